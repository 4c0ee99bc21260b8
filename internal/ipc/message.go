package ipc

// MaxMessageSize bounds a single frame (16 MiB).
const MaxMessageSize = 16 * 1024 * 1024

// Request types.
const (
	TypePing           = "ping"
	TypeRequest        = "request"
	TypeInfo           = "info"
	TypeExecuteCommand = "execute_command"
	TypeScheduleTask   = "schedule_task"
)

// Response statuses.
const (
	StatusPong     = "pong"
	StatusDialogOK = "dialog_ok"
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusError    = "error"
)

// Dialog answers carried in Response.Response.
const (
	ChoiceNow      = "now"
	ChoiceShutdown = "shutdown"
	ChoiceOK       = "ok"
)

// TriggerOnLogon is the only schedule_task trigger the helper registers.
const TriggerOnLogon = "onlogon"

// Request is the single message a client sends per connection. Fields other
// than Token and Type are used by the message type named in the comment.
type Request struct {
	Token string `json:"token"`
	Type  string `json:"type"`

	// request, info
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`

	// execute_command, schedule_task
	Command string `json:"command,omitempty"`

	// execute_command
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// schedule_task
	TaskName    string `json:"task_name,omitempty"`
	TriggerType string `json:"trigger_type,omitempty"`
}

// Response is the single message the helper writes back.
type Response struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Details  string `json:"details,omitempty"`
}

// OK reports whether the helper carried out the request.
func (r *Response) OK() bool {
	switch r.Status {
	case StatusPong, StatusDialogOK, StatusSuccess:
		return true
	}
	return false
}

func PingRequest() Request {
	return Request{Type: TypePing}
}

// InfoRequest builds an acknowledgment-only notice.
func InfoRequest(title, message, detail string) Request {
	return Request{Type: TypeInfo, Title: title, Message: message, Detail: detail}
}

func ExecuteRequest(command string, timeoutSeconds int) Request {
	return Request{Type: TypeExecuteCommand, Command: command, TimeoutSeconds: timeoutSeconds}
}
