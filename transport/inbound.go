package transport

import (
	"github.com/rs/zerolog"

	"github.com/scout-hq/scout/protocol"
)

// parseInbound decodes one wire frame. A syntactically broken frame yields
// an error response (nil message); a frame with the wrong jsonrpc version
// likewise. A structurally odd but parseable message is logged and passed
// through; classification demotes it to a notification so the pipeline
// never stalls on it.
func parseInbound(raw []byte, lg zerolog.Logger) (*protocol.Message, *protocol.Message) {
	m, perr := protocol.Parse(raw)
	if perr != nil {
		lg.Warn().Str("error", perr.Message).Msg("malformed inbound message")
		var id []byte
		if m != nil {
			id = m.ID
		}
		return nil, protocol.NewErrorResponse(id, perr)
	}
	if m.Classify() == protocol.KindNotification && m.Method == "" {
		lg.Warn().Msg("inbound message has neither method nor result, dropping as notification")
		return nil, nil
	}
	return m, nil
}
