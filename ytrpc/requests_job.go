// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

// Method names of the job requests.
const (
	MethodGetJobStderr = "get_job_stderr"
)

// GetJobStderrParams are the envelope parameters of get_job_stderr.
type GetJobStderrParams struct {
	OperationID GUID `ytrpc:"operation_id"`
	JobID       GUID `ytrpc:"job_id"`
}

// GetJobStderr fetches the stderr of one job of an operation.
type GetJobStderr struct {
	requestBase
	operationID GUID
	jobID       GUID
}

// Method returns MethodGetJobStderr.
func (r *GetJobStderr) Method() string { return MethodGetJobStderr }
// Idempotent reports true.
func (r *GetJobStderr) Idempotent() bool { return true }

// OperationID returns the id of the operation that ran the job.
func (r *GetJobStderr) OperationID() GUID { return r.operationID }

// JobID returns the id of the job.
func (r *GetJobStderr) JobID() GUID { return r.jobID }

func (r *GetJobStderr) params() any {
	return GetJobStderrParams{OperationID: r.operationID, JobID: r.jobID}
}

func (r *GetJobStderr) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// ToBuilder returns a builder initialised with every field of r.
func (r *GetJobStderr) ToBuilder() *GetJobStderrBuilder {
	b := NewGetJobStderrBuilder()
	b.init(b, r.header)
	b.operationID = r.operationID
	b.jobID = r.jobID
	return b
}

// GetJobStderrBuilder builds GetJobStderr requests. Operation id and job id
// are required.
type GetJobStderrBuilder struct {
	RequestBuilder[*GetJobStderrBuilder]
	operationID GUID
	jobID       GUID
}

// NewGetJobStderrBuilder returns an empty builder.
func NewGetJobStderrBuilder() *GetJobStderrBuilder {
	b := &GetJobStderrBuilder{}
	b.self = b
	return b
}

// SetOperationID sets the operation that ran the job.
func (b *GetJobStderrBuilder) SetOperationID(id GUID) *GetJobStderrBuilder {
	b.operationID = id
	return b
}

// SetJobID sets the job.
func (b *GetJobStderrBuilder) SetJobID(id GUID) *GetJobStderrBuilder {
	b.jobID = id
	return b
}

// Build validates the builder and returns an immutable request.
func (b *GetJobStderrBuilder) Build() (*GetJobStderr, error) {
	if b.operationID.IsZero() {
		return nil, newError(KindRequiredFieldMissing, "get_job_stderr: operation id is required")
	}
	if b.jobID.IsZero() {
		return nil, newError(KindRequiredFieldMissing, "get_job_stderr: job id is required")
	}
	return &GetJobStderr{
		requestBase: requestBase{header: b.builtHeader()},
		operationID: b.operationID,
		jobID:       b.jobID,
	}, nil
}
