package model

import (
	"time"
)

type JobState string

const (
	JobPending  JobState = "pending"
	JobTasked   JobState = "tasked"
	JobComplete JobState = "complete"
)

type JobResult string

const (
	ResultNone      JobResult = ""
	ResultSuccess   JobResult = "success"
	ResultCancelled JobResult = "cancelled"
	ResultErrored   JobResult = "errored"
)

type LockMode string

const (
	LockRead  LockMode = "read"
	LockWrite LockMode = "write"
)

// StateLock reserves an object for a job. A write lock asserts BeginState when granted (unless empty) and
// leaves the object in EndState (unless empty) when the job succeeds.
type StateLock struct {
	Object     ObjectRef `json:"object"`
	Mode       LockMode  `json:"mode"`
	BeginState string    `json:"begin_state,omitempty"`
	EndState   string    `json:"end_state,omitempty"`
}

func ReadLock(object ObjectRef) StateLock {
	return StateLock{Object: object, Mode: LockRead}
}

func WriteLock(object ObjectRef, beginState, endState string) StateLock {
	return StateLock{Object: object, Mode: LockWrite, BeginState: beginState, EndState: endState}
}

func (l StateLock) IsWrite() bool {
	return l.Mode == LockWrite
}

// Job is a planned unit of work driving at most one state transition on one object.
type Job struct {
	ID        int64
	CommandID int64
	Class     string
	Args      map[string]interface{}
	State     JobState
	Result    JobResult
	// Error kind (state_drift, step_failed...) and message when Result is errored.
	ErrorKind    string
	ErrorMessage string
	WaitFor      []int64
	Locks        []StateLock
	Description  string
	CreatedAt    time.Time
	ModifiedAt   time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

func (j *Job) DeepCopy() *Job {
	if j == nil {
		return nil
	}
	copied := *j
	copied.Args = deepCopyMap(j.Args)
	copied.WaitFor = append([]int64(nil), j.WaitFor...)
	copied.Locks = append([]StateLock(nil), j.Locks...)
	return &copied
}

func (j *Job) IsComplete() bool {
	return j.State == JobComplete
}

func (j *Job) Succeeded() bool {
	return j.State == JobComplete && j.Result == ResultSuccess
}

// WriteLocks returns the write locks of the job in declaration order.
func (j *Job) WriteLocks() []StateLock {
	var locks []StateLock
	for _, l := range j.Locks {
		if l.IsWrite() {
			locks = append(locks, l)
		}
	}
	return locks
}

// Command groups the jobs created from one intent.
type Command struct {
	ID        int64
	Message   string
	CreatedAt time.Time
	Complete  bool
	Cancelled bool
	Errored   bool
	Dismissed bool
	JobIDs    []int64
}

func (c *Command) DeepCopy() *Command {
	if c == nil {
		return nil
	}
	copied := *c
	copied.JobIDs = append([]int64(nil), c.JobIDs...)
	return &copied
}

type StepState string

const (
	StepIncomplete StepState = "incomplete"
	StepSuccess    StepState = "success"
	StepFailed     StepState = "failed"
	StepCancelled  StepState = "cancelled"
)

// StepResult is the record of the latest attempt of one step of a job; retries overwrite it.
type StepResult struct {
	ID         int64
	JobID      int64
	StepIndex  int
	StepClass  string
	Args       map[string]interface{}
	Log        string
	Console    string
	Backtrace  string
	Result     interface{}
	State      StepState
	Attempt    int
	CreatedAt  time.Time
	ModifiedAt time.Time
}
