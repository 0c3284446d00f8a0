package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/pollsync/go/internal/feed/local"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/chat"
	"github.com/mcdev12/pollsync/go/internal/poll/engine"
	"github.com/mcdev12/pollsync/go/internal/poll/history"
	"github.com/mcdev12/pollsync/go/internal/poll/view"
	"github.com/mcdev12/pollsync/go/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	srv, svc, _ := newTestServerWithBroker(t)
	return srv, svc
}

func newTestServerWithBroker(t *testing.T) (*httptest.Server, *Service, *local.Broker) {
	t.Helper()
	ctx := context.Background()

	broker := local.NewBroker()
	store, err := sqlite.Open(ctx, sqlite.MemoryDSN, sqlite.WithNotifier(broker))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := NewService(DefaultConfig(), store, broker, history.NewApp(store), chat.NewApp(store, nil))
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { svc.Stop(ctx) })
	return srv, svc, broker
}

func call[Req, Res any](t *testing.T, srv *httptest.Server, procedure string, req *Req) (*Res, error) {
	t.Helper()
	client := connect.NewClient[Req, Res](srv.Client(), srv.URL+procedure, connect.WithCodec(jsonCodec{}))
	res, err := client.CallUnary(context.Background(), connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads envelopes until one of type typ arrives.
func readFrame(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == typ {
			return env
		}
	}
}

// readParticipantUntil reads participant views until one satisfies ok.
func readParticipantUntil(t *testing.T, conn *websocket.Conn, ok func(view.ParticipantView) bool) view.ParticipantView {
	t.Helper()
	for {
		env := readFrame(t, conn, MessageParticipantView)

		var v view.ParticipantView
		require.NoError(t, json.Unmarshal(env.Data, &v))
		if ok(v) {
			return v
		}
	}
}

func TestPollService_FullRound(t *testing.T) {
	srv, _ := newTestServer(t)

	reg, err := call[RegisterRequest, RegisterResponse](t, srv, RegisterProcedure,
		&RegisterRequest{SessionID: "s-ann", Name: "  Ann "})
	require.NoError(t, err)
	assert.True(t, reg.View.Registered)
	assert.Equal(t, "Ann", reg.View.DisplayName)

	created, err := call[CreatePollRequest, CreatePollResponse](t, srv, CreatePollProcedure,
		&CreatePollRequest{SessionID: "teacher", Question: "Color?", Options: []string{"Red", "Blue"}, TimeLimitSec: 60})
	require.NoError(t, err)
	require.NotNil(t, created.Poll)
	assert.True(t, created.Poll.Active)
	assert.Equal(t, 1, created.View.RosterSize)

	_, err = call[SubmitResponseRequest, SubmitResponseResponse](t, srv, SubmitResponseProcedure,
		&SubmitResponseRequest{SessionID: "s-ann", SelectedOption: 5})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	voted, err := call[SubmitResponseRequest, SubmitResponseResponse](t, srv, SubmitResponseProcedure,
		&SubmitResponseRequest{SessionID: "s-ann", SelectedOption: 0})
	require.NoError(t, err)
	assert.True(t, voted.View.HasResponded)
	assert.Equal(t, view.ModeResults, voted.View.Mode)

	_, err = call[SubmitResponseRequest, SubmitResponseResponse](t, srv, SubmitResponseProcedure,
		&SubmitResponseRequest{SessionID: "s-ann", SelectedOption: 1})
	assert.Equal(t, connect.CodeAlreadyExists, connect.CodeOf(err))

	state, err := call[GetStateRequest, GetStateResponse](t, srv, GetStateProcedure,
		&GetStateRequest{Role: models.RoleCoordinator, SessionID: "teacher"})
	require.NoError(t, err)
	require.NotNil(t, state.Coordinator)
	assert.Nil(t, state.Participant)
	assert.Equal(t, 1, state.Coordinator.TotalResponses)
	assert.True(t, state.Coordinator.AllResponded)

	ended, err := call[EndPollRequest, EndPollResponse](t, srv, EndPollProcedure, &EndPollRequest{SessionID: "teacher"})
	require.NoError(t, err)
	assert.Nil(t, ended.View.Poll)

	_, err = call[EndPollRequest, EndPollResponse](t, srv, EndPollProcedure, &EndPollRequest{SessionID: "teacher"})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	past, err := call[ListPastPollsRequest, ListPastPollsResponse](t, srv, ListPastPollsProcedure, &ListPastPollsRequest{})
	require.NoError(t, err)
	require.Len(t, past.Polls, 1)
	assert.Equal(t, "Color?", past.Polls[0].Poll.Question)
	assert.Equal(t, 1, past.Polls[0].TotalResponses)
}

func TestPollService_RoleAndInputErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := call[GetStateRequest, GetStateResponse](t, srv, GetStateProcedure,
		&GetStateRequest{Role: "admin", SessionID: "x"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call[CreatePollRequest, CreatePollResponse](t, srv, CreatePollProcedure,
		&CreatePollRequest{SessionID: "teacher", Question: "", Options: []string{"a", "b"}, TimeLimitSec: 60})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call[SubmitResponseRequest, SubmitResponseResponse](t, srv, SubmitResponseProcedure,
		&SubmitResponseRequest{SessionID: "s-bo", SelectedOption: 0})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err), "unregistered participants cannot vote")

	_, err = call[RegisterRequest, RegisterResponse](t, srv, RegisterProcedure,
		&RegisterRequest{SessionID: "s-bo", Name: "Bo"})
	require.NoError(t, err)

	_, err = call[SubmitResponseRequest, SubmitResponseResponse](t, srv, SubmitResponseProcedure,
		&SubmitResponseRequest{SessionID: "s-bo", SelectedOption: 0})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err), "no active poll")
}

func TestPollService_Chat(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := call[SendChatMessageRequest, SendChatMessageResponse](t, srv, SendChatMessageProcedure,
		&SendChatMessageRequest{SenderName: "Ann", SenderRole: models.RoleParticipant, Message: "   "})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	for _, text := range []string{"hi", "hello"} {
		_, err := call[SendChatMessageRequest, SendChatMessageResponse](t, srv, SendChatMessageProcedure,
			&SendChatMessageRequest{SenderName: "Ann", SenderRole: models.RoleParticipant, Message: text})
		require.NoError(t, err)
	}

	list, err := call[ListChatMessagesRequest, ListChatMessagesResponse](t, srv, ListChatMessagesProcedure, &ListChatMessagesRequest{})
	require.NoError(t, err)
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "hi", list.Messages[0].Text)
	assert.Equal(t, "hello", list.Messages[1].Text)
}

func TestWebSocket_PushesViewOnChange(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dial(t, srv, "role=student&session_id=s-ann")
	first := readParticipantUntil(t, conn, func(view.ParticipantView) bool { return true })
	assert.Equal(t, view.ModeWaiting, first.Mode)
	assert.Equal(t, "s-ann", first.SessionID)

	_, err := call[RegisterRequest, RegisterResponse](t, srv, RegisterProcedure,
		&RegisterRequest{SessionID: "s-ann", Name: "Ann"})
	require.NoError(t, err)
	readParticipantUntil(t, conn, func(v view.ParticipantView) bool { return v.Registered })

	_, err = call[CreatePollRequest, CreatePollResponse](t, srv, CreatePollProcedure,
		&CreatePollRequest{SessionID: "teacher", Question: "Color?", Options: []string{"Red", "Blue"}, TimeLimitSec: 60})
	require.NoError(t, err)
	voting := readParticipantUntil(t, conn, func(v view.ParticipantView) bool { return v.Mode == view.ModeVoting })
	require.NotNil(t, voting.Poll)
	assert.Equal(t, "Color?", voting.Poll.Question)
	assert.LessOrEqual(t, voting.TimeLeftSec, 60)

	_, err = call[SubmitResponseRequest, SubmitResponseResponse](t, srv, SubmitResponseProcedure,
		&SubmitResponseRequest{SessionID: "s-ann", SelectedOption: 1})
	require.NoError(t, err)
	results := readParticipantUntil(t, conn, func(v view.ParticipantView) bool { return v.Mode == view.ModeResults })
	assert.Equal(t, 1, results.TotalResponses)
	require.Len(t, results.Results, 2)
	assert.Equal(t, 100, results.Results[1].Percentage)
}

// readChatUntil reads chat frames until one satisfies ok.
func readChatUntil(t *testing.T, conn *websocket.Conn, ok func([]models.ChatMessage) bool) []models.ChatMessage {
	t.Helper()
	for {
		env := readFrame(t, conn, MessageChat)

		var msgs []models.ChatMessage
		require.NoError(t, json.Unmarshal(env.Data, &msgs))
		if ok(msgs) {
			return msgs
		}
	}
}

func TestWebSocket_PushesChat(t *testing.T) {
	srv, _, broker := newTestServerWithBroker(t)

	conn := dial(t, srv, "role=student&session_id=s-ann")
	initial := readChatUntil(t, conn, func([]models.ChatMessage) bool { return true })
	assert.Empty(t, initial)
	require.Eventually(t, func() bool { return broker.Subscribers(models.ClassChat) == 1 }, waitFor, tick)

	_, err := call[SendChatMessageRequest, SendChatMessageResponse](t, srv, SendChatMessageProcedure,
		&SendChatMessageRequest{SenderName: "Mr. T", SenderRole: models.RoleCoordinator, Message: "pencils down"})
	require.NoError(t, err)

	msgs := readChatUntil(t, conn, func(m []models.ChatMessage) bool { return len(m) == 1 })
	assert.Equal(t, "pencils down", msgs[0].Text)
	assert.Equal(t, models.RoleCoordinator, msgs[0].SenderRole)

	conn.Close()
	require.Eventually(t, func() bool { return broker.Subscribers(models.ClassChat) == 0 }, waitFor, tick,
		"chat subscription is released with the connection")
}

func TestWebSocket_RefreshMessage(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dial(t, srv, "role=student&session_id=s-ann")
	readParticipantUntil(t, conn, func(view.ParticipantView) bool { return true })

	require.NoError(t, conn.WriteJSON(Envelope{Type: MessageRefresh}))
	v := readParticipantUntil(t, conn, func(view.ParticipantView) bool { return true })
	assert.Equal(t, view.ModeWaiting, v.Mode)
}

func TestWebSocket_RejectsBadQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?"

	for _, query := range []string{"role=admin&session_id=x", "role=student", "role=student&session_id=%20"} {
		_, resp, err := websocket.DefaultDialer.Dial(base+query, nil)
		require.Error(t, err, query)
		require.NotNil(t, resp, query)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
		resp.Body.Close()
	}
}

func TestWebSocket_StatsTrackConnections(t *testing.T) {
	srv, svc := newTestServer(t)

	coord := dial(t, srv, "role=teacher&session_id=teacher")
	dial(t, srv, "role=student&session_id=s-ann")

	require.Eventually(t, func() bool { return svc.GetStats().TotalConnections == 2 }, waitFor, tick)
	stats := svc.GetStats()
	assert.Equal(t, 1, stats.ByRole[string(models.RoleCoordinator)])
	assert.Equal(t, 1, stats.ByRole[string(models.RoleParticipant)])

	resp, err := srv.Client().Get(srv.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body ConnectionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.TotalConnections)

	coord.Close()
	require.Eventually(t, func() bool { return svc.GetStats().TotalConnections == 1 }, waitFor, tick)
}

// flakyFeed fails every subscription while down is set.
type flakyFeed struct {
	*local.Broker
	down atomic.Bool
}

func (f *flakyFeed) Subscribe(ctx context.Context, class models.RecordClass) (poll.Subscription, error) {
	if f.down.Load() {
		return nil, errors.New("feed unavailable")
	}
	return f.Broker.Subscribe(ctx, class)
}

func TestWebSocket_OpenFailureClosesSession(t *testing.T) {
	ctx := context.Background()
	broker := local.NewBroker()
	store, err := sqlite.Open(ctx, sqlite.MemoryDSN, sqlite.WithNotifier(broker))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	feed := &flakyFeed{Broker: broker}
	feed.down.Store(true)

	sessions := make(chan *engine.Session, 1)
	factory := func(role models.ParticipantRole, sessionID string) (*engine.Session, error) {
		s, err := engine.New(engine.Config{Role: role, SessionID: sessionID}, store, feed)
		if err == nil {
			sessions <- s
		}
		return s, err
	}
	cm := NewConnectionManager(DefaultConnectionConfig(), factory, feed, nil)
	srv := httptest.NewServer(http.HandlerFunc(NewWebSocketHandler(cm).HandleSessionConnection))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "role=student&session_id=s-ann")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Zero(t, cm.GetConnectionStats().TotalConnections)

	// With the feed back, a closed session still refuses to open.
	session := <-sessions
	feed.down.Store(false)
	assert.Error(t, session.Open(ctx))
	assert.Zero(t, broker.Subscribers(models.ClassPolls))
}
