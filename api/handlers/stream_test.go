package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/graphflow/api"
	"github.com/BaSui01/graphflow/workflow"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEventBroker_SubscribeAndCancel(t *testing.T) {
	b := NewEventBroker(4, zap.NewNop())

	ch, cancel := b.Subscribe("t1")
	assert.Equal(t, 1, b.Subscribers("t1"))

	b.OnEvent(context.Background(), workflow.Event{Type: workflow.EventRunStart, ThreadID: "t1"})
	b.OnEvent(context.Background(), workflow.Event{Type: workflow.EventRunStart, ThreadID: "other"})

	ev := <-ch
	assert.Equal(t, workflow.EventRunStart, ev.Type)
	assert.Empty(t, ch)

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers("t1"))
	_, open := <-ch
	assert.False(t, open)

	// no subscribers left, nothing to deliver to
	b.OnEvent(context.Background(), workflow.Event{ThreadID: "t1"})
}

func TestEventBroker_SubgraphEventsReachOuterThread(t *testing.T) {
	b := NewEventBroker(4, nil)
	outer, cancelOuter := b.Subscribe("order")
	defer cancelOuter()
	inner, cancelInner := b.Subscribe("order::billing")
	defer cancelInner()

	b.OnEvent(context.Background(), workflow.Event{Type: workflow.EventStepStart, ThreadID: "order::billing::tax", Step: "tax"})

	assert.Equal(t, "tax", (<-outer).Step)
	assert.Equal(t, "tax", (<-inner).Step)
}

func TestEventBroker_BranchSubgraphEventsReachOuterThread(t *testing.T) {
	b := NewEventBroker(4, nil)
	outer, cancelOuter := b.Subscribe("order")
	defer cancelOuter()
	branch, cancelBranch := b.Subscribe("order#1")
	defer cancelBranch()

	b.OnEvent(context.Background(), workflow.Event{Type: workflow.EventStepStart, ThreadID: "order#1::billing", Step: "tax"})
	assert.Equal(t, "tax", (<-branch).Step)
	assert.Equal(t, "tax", (<-outer).Step)

	b.OnEvent(context.Background(), workflow.Event{Type: workflow.EventStepStart, ThreadID: "order::lines#12::audit", Step: "audit"})
	assert.Equal(t, "audit", (<-outer).Step)
}

func TestTrimBranch(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"order#3", "order", true},
		{"order#12", "order", true},
		{"order", "order", false},
		{"order#", "order#", false},
		{"order#x1", "order#x1", false},
		{"#3", "#3", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := trimBranch(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestEventBroker_DropsWhenFull(t *testing.T) {
	b := NewEventBroker(1, zap.NewNop())
	ch, cancel := b.Subscribe("t")
	defer cancel()

	for i := 0; i < 3; i++ {
		b.OnEvent(context.Background(), workflow.Event{ThreadID: "t"})
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, int64(2), b.Dropped())
}

func TestStreamHandler_StreamsRunEvents(t *testing.T) {
	a := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/v1/threads/po-9/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool { return a.broker.Subscribers("po-9") == 1 },
		2*time.Second, 10*time.Millisecond)

	status, _ := a.do(t, http.MethodPost, "/v1/graphs/approval/threads", api.StartRequest{
		ThreadID: "po-9",
		Input:    map[string]any{"amount": 5},
	})
	require.Equal(t, http.StatusOK, status)

	var types []workflow.EventType
	for {
		var ev workflow.Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		assert.Equal(t, "po-9", ev.ThreadID)
		types = append(types, ev.Type)
		if ev.Type == workflow.EventRunComplete {
			assert.Equal(t, string(workflow.RunInterrupted), ev.Status)
			break
		}
	}
	assert.Equal(t, workflow.EventRunStart, types[0])
	assert.Contains(t, types, workflow.EventInterrupt)
}

func TestStreamHandler_RejectsPlainHTTP(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.server.URL + "/v1/threads/x/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, http.StatusBadRequest)
}
