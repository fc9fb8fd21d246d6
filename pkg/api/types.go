package api

import "time"

type Empty struct{}

// ObjectRef identifies a managed object, e.g. {"class": "target", "id": 3}.
type ObjectRef struct {
	Class string `json:"class"`
	ID    int64  `json:"id"`
}

type Object struct {
	Ref             ObjectRef              `json:"ref"`
	State           string                 `json:"state"`
	StateModifiedAt time.Time              `json:"state_modified_at"`
	ImmutableState  bool                   `json:"immutable_state"`
	Attributes      map[string]interface{} `json:"attributes,omitempty"`
}

type Intent struct {
	Object ObjectRef `json:"object"`
	State  string    `json:"state"`
}

type SetStateRequest struct {
	Intents []Intent `json:"intents"`
	Message string   `json:"message"`
	// DryRun returns the plan without creating a command.
	DryRun bool `json:"dry_run"`
}

// PlannedJob is a job of a plan. WaitFor holds indexes of other jobs of the same plan; WaitForJobs holds ids of
// jobs of earlier commands.
type PlannedJob struct {
	Index                int                    `json:"index"`
	Class                string                 `json:"class_name"`
	Args                 map[string]interface{} `json:"args,omitempty"`
	Object               *ObjectRef             `json:"object,omitempty"`
	FromState            string                 `json:"from_state,omitempty"`
	ToState              string                 `json:"to_state,omitempty"`
	Description          string                 `json:"description"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	WaitFor              []int                  `json:"wait_for,omitempty"`
	WaitForJobs          []int64                `json:"wait_for_jobs,omitempty"`
}

type SetStateResponse struct {
	// Command is nil for a dry run.
	Command *Command      `json:"command,omitempty"`
	Plan    []*PlannedJob `json:"plan"`
}

type JobSpec struct {
	Class string                 `json:"class_name"`
	Args  map[string]interface{} `json:"args"`
	// DependsOn holds indexes of earlier specs of the same request.
	DependsOn []int `json:"depends_on,omitempty"`
}

type RunJobsRequest struct {
	Jobs    []JobSpec `json:"jobs"`
	Message string    `json:"message"`
}

type Command struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	Complete  bool      `json:"complete"`
	Cancelled bool      `json:"cancelled"`
	Errored   bool      `json:"errored"`
	Dismissed bool      `json:"dismissed"`
	JobIDs    []int64   `json:"jobs"`
}

type CommandRequest struct {
	ID int64 `json:"id"`
}

type CommandResponse struct {
	Command *Command `json:"command"`
}

type Lock struct {
	JobID      int64     `json:"job_id"`
	Object     ObjectRef `json:"object"`
	Mode       string    `json:"mode"`
	BeginState string    `json:"begin_state,omitempty"`
	EndState   string    `json:"end_state,omitempty"`
	Held       bool      `json:"held"`
}

type LocksResponse struct {
	Locks []Lock `json:"locks"`
}

type Job struct {
	ID           int64                  `json:"id"`
	CommandID    int64                  `json:"command_id"`
	Class        string                 `json:"class_name"`
	Args         map[string]interface{} `json:"args,omitempty"`
	State        string                 `json:"state"`
	Result       string                 `json:"result"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	WaitFor      []int64                `json:"wait_for,omitempty"`
	Locks        []Lock                 `json:"locks,omitempty"`
	Description  string                 `json:"description"`
	CreatedAt    time.Time              `json:"created_at"`
	ModifiedAt   time.Time              `json:"modified_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
}

type Step struct {
	Index      int                    `json:"index"`
	Class      string                 `json:"class_name"`
	Args       map[string]interface{} `json:"args,omitempty"`
	State      string                 `json:"state"`
	Attempt    int                    `json:"attempt"`
	Result     interface{}            `json:"result,omitempty"`
	Log        string                 `json:"log"`
	Console    string                 `json:"console"`
	Backtrace  string                 `json:"backtrace,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ModifiedAt time.Time              `json:"modified_at"`
}

type JobRequest struct {
	ID int64 `json:"id"`
}

type JobResponse struct {
	Job   *Job    `json:"job"`
	Steps []*Step `json:"steps"`
	// BlockedBy lists the jobs holding locks a pending job is waiting for.
	BlockedBy []int64 `json:"blocked_by,omitempty"`
}

type ObjectsRequest struct {
	Objects []ObjectRef `json:"objects"`
}

type AvailableTransition struct {
	State                string `json:"state"`
	Verb                 string `json:"verb"`
	JobClass             string `json:"job_class"`
	LongDescription      string `json:"long_description"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	DisplayGroup         int    `json:"display_group"`
	DisplayOrder         int    `json:"display_order"`
}

type ObjectTransitions struct {
	Object      ObjectRef             `json:"object"`
	Transitions []AvailableTransition `json:"transitions"`
}

type AvailableTransitionsResponse struct {
	Objects []ObjectTransitions `json:"objects"`
}

type AvailableJob struct {
	Class                string                 `json:"class_name"`
	Verb                 string                 `json:"verb"`
	Args                 map[string]interface{} `json:"args,omitempty"`
	LongDescription      string                 `json:"long_description"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	DisplayGroup         int                    `json:"display_group"`
	DisplayOrder         int                    `json:"display_order"`
}

type ObjectJobs struct {
	Object ObjectRef      `json:"object"`
	Jobs   []AvailableJob `json:"jobs"`
}

type AvailableJobsResponse struct {
	Objects []ObjectJobs `json:"objects"`
}

type ConsequencesRequest struct {
	Object ObjectRef `json:"object"`
	State  string    `json:"state"`
}

type ConsequencesResponse struct {
	TransitionJob  *PlannedJob   `json:"transition_job"`
	DependencyJobs []*PlannedJob `json:"dependency_jobs"`
}

type CreateObjectRequest struct {
	Class string `json:"class"`
	// State defaults to the initial state of the class.
	State      string                 `json:"state,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type CreateHostRequest struct {
	Fqdn     string `json:"fqdn"`
	Nodename string `json:"nodename"`
	Address  string `json:"address"`
}

// CreateHostResponse holds the host and the configuration objects created alongside it.
type CreateHostResponse struct {
	Host    *Object   `json:"host"`
	Related []*Object `json:"related"`
}

type ObjectRequest struct {
	Object ObjectRef `json:"object"`
}

type ObjectResponse struct {
	Object *Object `json:"object"`
}

type ListObjectsRequest struct {
	Class string `json:"class"`
}

type ObjectsResponse struct {
	Objects []*Object `json:"objects"`
}

type NotifyRequest struct {
	Object     ObjectRef              `json:"object"`
	At         time.Time              `json:"at"`
	State      string                 `json:"state,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	FromStates []string               `json:"from_states,omitempty"`
}

type NotifyResponse struct {
	Applied bool `json:"applied"`
}

type Timestamps struct {
	Tables map[string]int64 `json:"tables"`
	Max    int64            `json:"max_timestamp"`
}

type WaitRequest struct {
	LastSeen Timestamps `json:"last_seen"`
	Tables   []string   `json:"tables"`
	// TimeoutMillis of zero means the server's long-poll timeout.
	TimeoutMillis int64 `json:"timeout_ms,omitempty"`
}

type WaitResponse struct {
	Timestamps Timestamps `json:"timestamps"`
	TimedOut   bool       `json:"timed_out"`
}
