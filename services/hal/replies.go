package hal

import (
	"vmxhal-go/bus"
	"vmxhal-go/errcode"
	"vmxhal-go/types"
)

func (s *Service) replyOK(m *bus.Message) {
	if m.CanReply() {
		s.conn.Reply(m, types.OKReply{OK: true}, false)
	}
}

func (s *Service) replyErr(m *bus.Message, code errcode.Code) {
	if !m.CanReply() {
		return
	}
	if code == "" {
		code = errcode.Error
	}
	s.conn.Reply(m, types.ErrorReply{OK: false, Error: string(code)}, false)
}

func (s *Service) replyFromError(m *bus.Message, err error) {
	if err == nil {
		s.replyOK(m)
		return
	}
	s.replyErr(m, errcode.Of(err))
}

// as asserts a payload to the concrete value type T. Pointers are not
// accepted. A nil payload is treated as the zero value of T.
func as[T any](v any) (T, errcode.Code) {
	var zero T
	if v == nil {
		return zero, ""
	}
	t, ok := v.(T)
	if !ok {
		return zero, errcode.InvalidPayload
	}
	return t, ""
}
