package realtime

import (
	"time"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/blocks"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/protocol"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/session"
)

// eventMessage converts a registry event to its wire message. Unknown event
// types yield nil.
func eventMessage(ev session.Event) (*protocol.Message, error) {
	switch ev.Type {
	case session.EventData:
		return protocol.NewMessage(protocol.TypeSessionData, protocol.SessionDataPayload{
			SessionID: ev.SessionID,
			Data:      string(ev.Data),
		})
	case session.EventExit:
		return protocol.NewMessage(protocol.TypeSessionExit, protocol.SessionExitPayload{
			SessionID: ev.SessionID,
			ExitCode:  ev.ExitCode,
		})
	case session.EventError:
		return protocol.NewMessage(protocol.TypeSessionError, protocol.SessionIDPayload{SessionID: ev.SessionID})
	case session.EventBlocked:
		return protocol.NewMessage(protocol.TypeSessionBlocked, protocol.SessionBlockedPayload{
			SessionID: ev.SessionID,
			Prompt:    ev.Prompt,
		})
	case session.EventBlock:
		if ev.Block == nil {
			return nil, nil
		}
		return protocol.NewMessage(protocol.TypeSessionBlock, protocol.SessionBlockPayload{
			SessionID: ev.SessionID,
			Block:     blockPayload(*ev.Block),
		})
	case session.EventActivity:
		return protocol.NewMessage(protocol.TypeSessionActivity, protocol.SessionActivityPayload{
			SessionID: ev.SessionID,
			Label:     ev.Activity.Label,
			Icon:      ev.Activity.Icon,
		})
	case session.EventStatus:
		if ev.Session == nil {
			return nil, nil
		}
		return protocol.NewMessage(protocol.TypeSessionUpdate, sessionPayload(ev.Session))
	case session.EventRemoved:
		return protocol.NewMessage(protocol.TypeSessionRemoved, protocol.SessionIDPayload{SessionID: ev.SessionID})
	}
	return nil, nil
}

func sessionPayload(sess *session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:        sess.ID,
		Status:    string(sess.Status),
		Alive:     sess.Alive,
		PID:       sess.PID,
		WorkDir:   sess.WorkDir,
		Label:     sess.Label,
		Color:     sess.Color,
		Cols:      sess.Cols,
		Rows:      sess.Rows,
		Activity:  sess.Activity.Label,
		Icon:      sess.Activity.Icon,
		Blocked:   sess.Blocked,
		HasError:  sess.HasError,
		Active:    sess.Active,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339Nano),
	}
}

func blockPayload(b blocks.Block) protocol.CommandBlock {
	output := b.Output
	if output == nil {
		output = []string{}
	}
	return protocol.CommandBlock{
		Command:   b.Command,
		Output:    output,
		Timestamp: b.Timestamp.UTC().Format(time.RFC3339Nano),
		HasError:  b.HasError,
	}
}
