package provider

// Action is the host operation a request list is built for.
type Action string

const (
	ActionLogin          Action = "login"
	ActionCreate         Action = "create"
	ActionLink           Action = "link"
	ActionChange         Action = "change"
	ActionRemove         Action = "remove"
	ActionUnlink         Action = "unlink"
	ActionLoginContinue  Action = "login-continue"
	ActionCreateContinue Action = "create-continue"
)

// ReadFlags is the read-consistency hint hosts pass to existence checks.
type ReadFlags int

const (
	ReadNormal ReadFlags = iota
	ReadLatest
)

// ParseReadFlags maps "latest" to ReadLatest and anything else to ReadNormal.
func ParseReadFlags(s string) ReadFlags {
	if s == "latest" {
		return ReadLatest
	}
	return ReadNormal
}

const KindPassword = "password"

// RequestDescriptor tells the host which fields to collect.
type RequestDescriptor struct {
	Kind     string   `json:"kind"`
	Required bool     `json:"required"`
	Fields   []string `json:"fields"`
}

// Request is a filled-in authentication request handed back by the host.
type Request interface {
	RequestKind() string
}

// PasswordRequest carries submitted credentials. A nil field means the host
// did not collect it.
type PasswordRequest struct {
	Username *string
	Password *string
}

func (*PasswordRequest) RequestKind() string {
	return KindPassword
}

// NewPasswordRequest returns a complete password request.
func NewPasswordRequest(username, password string) *PasswordRequest {
	return &PasswordRequest{Username: &username, Password: &password}
}

type Status int

const (
	StatusAbstain Status = iota
	StatusPass
)

func (s Status) String() string {
	if s == StatusPass {
		return "pass"
	}
	return "abstain"
}

// Verdict is the outcome of an authentication attempt. Username is set only
// for StatusPass and holds the canonical name.
type Verdict struct {
	Status   Status
	Username string
}

func Pass(username string) Verdict {
	return Verdict{Status: StatusPass, Username: username}
}

func Abstain() Verdict {
	return Verdict{Status: StatusAbstain}
}

type ChangeStatus string

const StatusIgnored ChangeStatus = "ignored"

type CreationType string

const CreationTypeNone CreationType = "none"
