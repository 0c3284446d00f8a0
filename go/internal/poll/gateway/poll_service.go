package gateway

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/chat"
	"github.com/mcdev12/pollsync/go/internal/poll/engine"
	"github.com/mcdev12/pollsync/go/internal/poll/history"
	"github.com/rs/zerolog/log"
)

// PollServiceName is the fully-qualified name of the poll service.
const PollServiceName = "pollsync.v1.PollService"

// Procedure paths, one per RPC.
const (
	RegisterProcedure         = "/" + PollServiceName + "/Register"
	CreatePollProcedure       = "/" + PollServiceName + "/CreatePoll"
	SubmitResponseProcedure   = "/" + PollServiceName + "/SubmitResponse"
	EndPollProcedure          = "/" + PollServiceName + "/EndPoll"
	GetStateProcedure         = "/" + PollServiceName + "/GetState"
	ListPastPollsProcedure    = "/" + PollServiceName + "/ListPastPolls"
	SendChatMessageProcedure  = "/" + PollServiceName + "/SendChatMessage"
	ListChatMessagesProcedure = "/" + PollServiceName + "/ListChatMessages"
)

// PollService implements the poll RPCs. Each call builds a short-lived engine session
// for the caller, refreshes it from the store and runs the action on it.
type PollService struct {
	sessions SessionFactory
	history  *history.App
	chat     *chat.App
}

// NewPollService creates a new poll RPC service
func NewPollService(sessions SessionFactory, historyApp *history.App, chatApp *chat.App) *PollService {
	return &PollService{
		sessions: sessions,
		history:  historyApp,
		chat:     chatApp,
	}
}

// Handler returns the service's mount path and handler.
func (s *PollService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(RegisterProcedure, connect.NewUnaryHandler(RegisterProcedure, s.Register, opts...))
	mux.Handle(CreatePollProcedure, connect.NewUnaryHandler(CreatePollProcedure, s.CreatePoll, opts...))
	mux.Handle(SubmitResponseProcedure, connect.NewUnaryHandler(SubmitResponseProcedure, s.SubmitResponse, opts...))
	mux.Handle(EndPollProcedure, connect.NewUnaryHandler(EndPollProcedure, s.EndPoll, opts...))
	mux.Handle(GetStateProcedure, connect.NewUnaryHandler(GetStateProcedure, s.GetState, opts...))
	mux.Handle(ListPastPollsProcedure, connect.NewUnaryHandler(ListPastPollsProcedure, s.ListPastPolls, opts...))
	mux.Handle(SendChatMessageProcedure, connect.NewUnaryHandler(SendChatMessageProcedure, s.SendChatMessage, opts...))
	mux.Handle(ListChatMessagesProcedure, connect.NewUnaryHandler(ListChatMessagesProcedure, s.ListChatMessages, opts...))
	return "/" + PollServiceName + "/", mux
}

// Register joins the caller to the roster
func (s *PollService) Register(ctx context.Context, req *connect.Request[RegisterRequest]) (*connect.Response[RegisterResponse], error) {
	session, err := s.session(ctx, models.RoleParticipant, req.Msg.SessionID)
	if err != nil {
		return nil, err
	}

	if err := session.Register(ctx, req.Msg.Name); err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&RegisterResponse{
		View: session.ParticipantView(),
	}), nil
}

// CreatePoll starts a new poll
func (s *PollService) CreatePoll(ctx context.Context, req *connect.Request[CreatePollRequest]) (*connect.Response[CreatePollResponse], error) {
	session, err := s.session(ctx, models.RoleCoordinator, req.Msg.SessionID)
	if err != nil {
		return nil, err
	}

	p, err := session.CreatePoll(ctx, req.Msg.Question, req.Msg.Options, req.Msg.TimeLimitSec)
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&CreatePollResponse{
		Poll: p,
		View: session.CoordinatorView(),
	}), nil
}

// SubmitResponse records the caller's vote
func (s *PollService) SubmitResponse(ctx context.Context, req *connect.Request[SubmitResponseRequest]) (*connect.Response[SubmitResponseResponse], error) {
	session, err := s.session(ctx, models.RoleParticipant, req.Msg.SessionID)
	if err != nil {
		return nil, err
	}

	if err := session.SubmitResponse(ctx, req.Msg.SelectedOption); err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&SubmitResponseResponse{
		View: session.ParticipantView(),
	}), nil
}

// EndPoll ends the active poll
func (s *PollService) EndPoll(ctx context.Context, req *connect.Request[EndPollRequest]) (*connect.Response[EndPollResponse], error) {
	session, err := s.session(ctx, models.RoleCoordinator, req.Msg.SessionID)
	if err != nil {
		return nil, err
	}

	if err := session.EndPoll(ctx); err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&EndPollResponse{
		View: session.CoordinatorView(),
	}), nil
}

// GetState returns the caller's current view
func (s *PollService) GetState(ctx context.Context, req *connect.Request[GetStateRequest]) (*connect.Response[GetStateResponse], error) {
	session, err := s.session(ctx, req.Msg.Role, req.Msg.SessionID)
	if err != nil {
		return nil, err
	}

	res := &GetStateResponse{}
	if session.Role() == models.RoleCoordinator {
		v := session.CoordinatorView()
		res.Coordinator = &v
	} else {
		v := session.ParticipantView()
		res.Participant = &v
	}
	return connect.NewResponse(res), nil
}

// ListPastPolls returns ended polls with their results
func (s *PollService) ListPastPolls(ctx context.Context, req *connect.Request[ListPastPollsRequest]) (*connect.Response[ListPastPollsResponse], error) {
	polls, err := s.history.List(ctx, req.Msg.Limit)
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&ListPastPollsResponse{
		Polls: polls,
	}), nil
}

// SendChatMessage posts a chat message
func (s *PollService) SendChatMessage(ctx context.Context, req *connect.Request[SendChatMessageRequest]) (*connect.Response[SendChatMessageResponse], error) {
	msg, err := s.chat.Send(ctx, req.Msg.SenderName, req.Msg.SenderRole, req.Msg.Message)
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&SendChatMessageResponse{
		Message: msg,
	}), nil
}

// ListChatMessages returns the most recent chat messages
func (s *PollService) ListChatMessages(ctx context.Context, req *connect.Request[ListChatMessagesRequest]) (*connect.Response[ListChatMessagesResponse], error) {
	msgs, err := s.chat.Recent(ctx, req.Msg.Limit)
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&ListChatMessagesResponse{
		Messages: msgs,
	}), nil
}

// session builds a session for the caller with a fresh projection. Errors are
// already connect errors.
func (s *PollService) session(ctx context.Context, role models.ParticipantRole, sessionID string) (*engine.Session, error) {
	session, err := s.sessions(role, sessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := session.Refresh(ctx); err != nil {
		return nil, toConnectError(err)
	}
	return session, nil
}

// toConnectError maps the engine's error kinds onto connect codes.
func toConnectError(err error) error {
	switch poll.KindOf(err) {
	case poll.KindValidation:
		return connect.NewError(connect.CodeInvalidArgument, err)
	case poll.KindConflict:
		if errors.Is(err, poll.ErrDuplicateResponse) || errors.Is(err, poll.ErrActivePollExists) {
			return connect.NewError(connect.CodeAlreadyExists, err)
		}
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case poll.KindTransient:
		return connect.NewError(connect.CodeUnavailable, err)
	}
	log.Error().Err(err).Msg("unclassified error reached the rpc boundary")
	return connect.NewError(connect.CodeInternal, err)
}
