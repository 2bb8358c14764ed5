package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

// Message is one entry of a conversation log kept in state.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// MessagesField declares an append-only message log. Messages without an ID
// get one assigned; a message whose ID is already in the log replaces the
// earlier entry in place instead of being appended again.
func MessagesField(name string) Field {
	f := AppendField[Message](name)
	f.Reducer = mergeMessages
	return f
}

func mergeMessages(current, update any) (any, error) {
	cur, ok := current.([]Message)
	if !ok {
		return nil, fmt.Errorf("messages: unexpected current type %T", current)
	}
	upd, ok := update.([]Message)
	if !ok {
		return nil, fmt.Errorf("messages: unexpected update type %T", update)
	}

	out := make([]Message, len(cur), len(cur)+len(upd))
	copy(out, cur)
	index := make(map[string]int, len(out))
	for i, m := range out {
		if m.ID != "" {
			index[m.ID] = i
		}
	}
	for _, m := range upd {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if i, exists := index[m.ID]; exists {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out, nil
}
