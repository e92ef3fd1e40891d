package tools

import "encoding/json"

// Kind tags a Result.
type Kind int

const (
	// KindData is an ordinary result fed back to the model.
	KindData Kind = iota
	// KindTerminal ends the turn; Text is the reply.
	KindTerminal
	// KindAuthRequired means a remote integration needs the owner to
	// authenticate. The turn ends with a fixed instruction.
	KindAuthRequired
	// KindConfirmation means the tool parked an action until the owner
	// confirms it. The turn ends with Text and the confirmation id.
	KindConfirmation
	// KindError is a failed execution reported back to the model.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindTerminal:
		return "terminal"
	case KindAuthRequired:
		return "auth_required"
	case KindConfirmation:
		return "confirmation"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Result is what a tool execution produced.
type Result struct {
	Kind Kind

	// Text is the reply for KindTerminal and KindConfirmation.
	Text string

	// Data is the JSON-encodable payload for KindData.
	Data any

	// ConfirmationID identifies the parked action for KindConfirmation.
	ConfirmationID string

	// ErrKind and Detail describe KindError and KindAuthRequired.
	ErrKind string
	Detail  string
}

// Terminal returns a Result that ends the turn with text.
func Terminal(text string) Result { return Result{Kind: KindTerminal, Text: text} }

// Data returns an ordinary result.
func Data(v any) Result { return Result{Kind: KindData, Data: v} }

// AuthRequired returns the not-authorized outcome.
func AuthRequired(detail string) Result {
	return Result{Kind: KindAuthRequired, ErrKind: NotAuthorized, Detail: detail}
}

// Confirmation parks an action under id and ends the turn with text.
func Confirmation(id, text string) Result {
	return Result{Kind: KindConfirmation, ConfirmationID: id, Text: text}
}

// Failure reports a failed execution to the model.
func Failure(kind, detail string) Result {
	return Result{Kind: KindError, ErrKind: kind, Detail: detail}
}

// NotAuthorized is the error sentinel remote tools return when the
// owner has not connected the integration.
const NotAuthorized = "not_authorized"

// Content renders r as the content of a tool message.
func (r Result) Content() string {
	var v any
	switch r.Kind {
	case KindData:
		switch d := r.Data.(type) {
		case string:
			return d
		case json.RawMessage:
			return string(d)
		}
		v = r.Data
	case KindTerminal:
		return r.Text
	case KindConfirmation:
		v = map[string]any{"success": true, "status": "pending_confirmation", "confirmation_id": r.ConfirmationID, "message": r.Text}
	case KindAuthRequired, KindError:
		env := map[string]any{"success": false, "error": r.ErrKind}
		if r.Detail != "" {
			env["message"] = r.Detail
		}
		v = env
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]any{"success": false, "error": "encode_result", "message": err.Error()})
	}
	return string(data)
}
