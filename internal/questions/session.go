package questions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/cipher"
	"github.com/MarcoPoloResearchLab/qaroom/internal/failure"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/MarcoPoloResearchLab/qaroom/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	errMissingLedger = errors.New("ledger is required")
	errMissingRoomID = errors.New("room id is required")
	errMissingViewer = errors.New("viewer address is required")
	noOpLogger       = zap.NewNop()

	// ErrVoteInFlight refuses a vote while another vote on the same question
	// is still awaiting finality.
	ErrVoteInFlight = errors.New("a vote on this question is already in flight")
	// ErrEmptyContent refuses blank question text before it is encrypted.
	ErrEmptyContent = errors.New("question content is required")
	ErrClosed       = errors.New("session is closed")
)

const (
	opSessionNew           = "questions.session.new"
	opStart                = "questions.start"
	opLoadSnapshot         = "questions.load_snapshot"
	opSubmitQuestion       = "questions.submit_question"
	opSubmitVote           = "questions.submit_vote"
	opSubmitToggleAnswered = "questions.submit_toggle_answered"
	opSubmitEdit           = "questions.submit_edit"
	opSubmitDelete         = "questions.submit_delete"
	opApplyRemote          = "questions.apply_remote"
	opSubscription         = "questions.subscription"
)

// Ledger is the slice of the RoomManager binding a session needs.
type Ledger interface {
	GetAllQuestions(ctx context.Context, room common.Hash, viewer common.Address) ([]ledger.QuestionRecord, error)
	AddQuestion(ctx context.Context, room common.Hash, content string) (ledger.Receipt, error)
	VoteQuestion(ctx context.Context, room common.Hash, questionID uint64, isUpvote bool) (ledger.Receipt, error)
	ToggleQuestionStatus(ctx context.Context, room common.Hash, questionID uint64) (ledger.Receipt, error)
	EditQuestion(ctx context.Context, room common.Hash, questionID uint64, content string) (ledger.Receipt, error)
	DeleteQuestion(ctx context.Context, room common.Hash, questionID uint64) (ledger.Receipt, error)
	SubscribeQuestions(ctx context.Context, room common.Hash, onEvent func(ledger.Event), onError func(error)) (func(), error)
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Ledger     Ledger
	RoomID     common.Hash
	Viewer     common.Address
	Classifier failure.Classifier
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Recorder
	// OnChange receives every new state. Calls are serialized and must not
	// call back into the session's operations.
	OnChange func(State)
}

// State is an immutable snapshot of a session.
type State struct {
	RoomID           common.Hash
	Viewer           common.Address
	Questions        []Question
	IsBusy           bool
	LastError        failure.Kind
	LastErrorMessage string
	UpdatedAt        time.Time
}

// View returns the derived presentation order of the questions.
func (s State) View() []Question {
	return DerivedView(s.Questions)
}

// Session owns the question list of one room for one viewer.
type Session struct {
	ledger     Ledger
	roomID     common.Hash
	key        []byte
	viewer     common.Address
	classifier failure.Classifier
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Recorder
	onChange   func(State)

	mu               sync.Mutex
	questions        []Question
	busy             int
	lastError        failure.Kind
	lastErrorMessage string
	updatedAt        time.Time
	votesInFlight    map[uint64]struct{}
	unsubscribe      func()
	closed           bool
	resyncing        bool

	notifyMu sync.Mutex
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%s: %w", opSessionNew, errMissingLedger)
	}
	if cfg.RoomID == (common.Hash{}) {
		return nil, fmt.Errorf("%s: %w", opSessionNew, errMissingRoomID)
	}
	if cfg.Viewer == (common.Address{}) {
		return nil, fmt.Errorf("%s: %w", opSessionNew, errMissingViewer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Session{
		ledger:        cfg.Ledger,
		roomID:        cfg.RoomID,
		key:           cfg.RoomID.Bytes(),
		viewer:        cfg.Viewer,
		classifier:    cfg.Classifier,
		clock:         clock,
		logger:        logger.With(zap.String("room_id", cfg.RoomID.Hex()), zap.String("viewer", cfg.Viewer.Hex())),
		metrics:       cfg.Metrics,
		onChange:      cfg.OnChange,
		votesInFlight: make(map[uint64]struct{}),
	}, nil
}

func (s *Session) RoomID() common.Hash {
	return s.roomID
}

func (s *Session) Viewer() common.Address {
	return s.viewer
}

// State returns the current snapshot. Its Questions slice is never mutated.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	return State{
		RoomID:           s.roomID,
		Viewer:           s.viewer,
		Questions:        s.questions,
		IsBusy:           s.busy > 0,
		LastError:        s.lastError,
		LastErrorMessage: s.lastErrorMessage,
		UpdatedAt:        s.updatedAt,
	}
}

// Start subscribes to the room's question events. Close ends the subscription.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.unsubscribe != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	unsubscribe, err := s.ledger.SubscribeQuestions(ctx, s.roomID, s.Apply, func(err error) {
		s.subscriptionLost(ctx, err)
	})
	if err != nil {
		return s.fail(opStart, failure.FetchFailed, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	s.logger.Debug("question events subscribed")
	return nil
}

// Close stops event delivery. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.logger.Debug("question session closed")
}

// subscriptionLost records a transport failure of the event stream and
// reloads the list, since events may have been missed while it was down.
// The failure stays in LastError until the next operation starts.
func (s *Session) subscriptionLost(ctx context.Context, err error) {
	_ = s.fail(opSubscription, failure.TransportError, err)
	s.mu.Lock()
	if s.closed || s.resyncing {
		s.mu.Unlock()
		return
	}
	s.resyncing = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.resyncing = false
			s.mu.Unlock()
		}()
		if loadErr := s.loadSnapshot(ctx); loadErr != nil {
			return
		}
		s.logger.Info("question list resynchronized after subscription failure")
		s.notify()
	}()
}

// LoadSnapshot replaces the list with a full read from the ledger. On failure
// the previous list is kept.
func (s *Session) LoadSnapshot(ctx context.Context) error {
	s.begin()
	defer s.end()
	return s.loadSnapshot(ctx)
}

func (s *Session) loadSnapshot(ctx context.Context) error {
	records, err := s.ledger.GetAllQuestions(ctx, s.roomID, s.viewer)
	if err != nil {
		s.metrics.Snapshot(metrics.ResultError)
		return s.fail(opLoadSnapshot, s.classifier.Read(err), err)
	}
	loaded := make([]Question, 0, len(records))
	for index, record := range records {
		question, err := fromRecord(uint64(index), record, s.key)
		if err != nil {
			s.metrics.Snapshot(metrics.ResultError)
			return s.fail(opLoadSnapshot, s.classifier.Read(err), err, zap.Int("question_id", index))
		}
		loaded = append(loaded, question)
	}
	s.mu.Lock()
	s.questions = loaded
	s.updatedAt = s.clock().UTC()
	s.mu.Unlock()
	s.metrics.Snapshot(metrics.ResultOK)
	return nil
}

// SubmitQuestion encrypts and posts a question, then reloads so the list picks
// up the id the ledger assigned.
func (s *Session) SubmitQuestion(ctx context.Context, plaintext string) error {
	if strings.TrimSpace(plaintext) == "" {
		return ErrEmptyContent
	}
	return s.write(ctx, opSubmitQuestion, "add_question", func(ctx context.Context) (ledger.Receipt, error) {
		content, err := cipher.Encrypt(s.key, plaintext)
		if err != nil {
			return ledger.Receipt{}, err
		}
		return s.ledger.AddQuestion(ctx, s.roomID, content)
	})
}

// SubmitVote casts an up- or downvote. Only one vote per question may be in
// flight at a time.
func (s *Session) SubmitVote(ctx context.Context, questionID uint64, isUpvote bool) error {
	s.mu.Lock()
	if _, inFlight := s.votesInFlight[questionID]; inFlight {
		s.mu.Unlock()
		return ErrVoteInFlight
	}
	s.votesInFlight[questionID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.votesInFlight, questionID)
		s.mu.Unlock()
	}()

	return s.write(ctx, opSubmitVote, "vote_question", func(ctx context.Context) (ledger.Receipt, error) {
		return s.ledger.VoteQuestion(ctx, s.roomID, questionID, isUpvote)
	})
}

// SubmitToggleAnswered flips the answered flag. The ledger rejects callers
// that are not room admins.
func (s *Session) SubmitToggleAnswered(ctx context.Context, questionID uint64) error {
	return s.write(ctx, opSubmitToggleAnswered, "toggle_question_status", func(ctx context.Context) (ledger.Receipt, error) {
		return s.ledger.ToggleQuestionStatus(ctx, s.roomID, questionID)
	})
}

func (s *Session) SubmitEdit(ctx context.Context, questionID uint64, plaintext string) error {
	if strings.TrimSpace(plaintext) == "" {
		return ErrEmptyContent
	}
	return s.write(ctx, opSubmitEdit, "edit_question", func(ctx context.Context) (ledger.Receipt, error) {
		content, err := cipher.Encrypt(s.key, plaintext)
		if err != nil {
			return ledger.Receipt{}, err
		}
		return s.ledger.EditQuestion(ctx, s.roomID, questionID, content)
	})
}

func (s *Session) SubmitDelete(ctx context.Context, questionID uint64) error {
	return s.write(ctx, opSubmitDelete, "delete_question", func(ctx context.Context) (ledger.Receipt, error) {
		return s.ledger.DeleteQuestion(ctx, s.roomID, questionID)
	})
}

// write runs one ledger write to finality and reconciles with a snapshot.
func (s *Session) write(ctx context.Context, operation, metricName string, submit func(context.Context) (ledger.Receipt, error)) error {
	s.begin()
	defer s.end()

	started := s.clock()
	receipt, err := submit(ctx)
	elapsed := s.clock().Sub(started)
	if err != nil {
		s.metrics.Write(metricName, metrics.ResultError, elapsed)
		return s.fail(operation, s.classifier.Write(err), err)
	}
	s.metrics.Write(metricName, metrics.ResultOK, elapsed)
	s.logger.Debug("question write confirmed",
		zap.String("operation", operation),
		zap.String("tx_hash", receipt.TxHash.Hex()))
	return s.loadSnapshot(ctx)
}

// Apply merges an event from the room's subscription.
func (s *Session) Apply(event ledger.Event) {
	var outcome Outcome
	var name string
	switch typed := event.(type) {
	case ledger.QuestionAdded:
		name, outcome = ledger.EventQuestionAdded, s.ApplyRemoteQuestionAdded(typed)
	case ledger.VoteChanged:
		name, outcome = ledger.EventQuestionVoted, s.ApplyRemoteVoteChanged(typed)
	case ledger.ContentEdited:
		name, outcome = ledger.EventQuestionEdited, s.ApplyRemoteContentEdited(typed)
	case ledger.QuestionDeleted:
		name, outcome = ledger.EventQuestionDeleted, s.ApplyRemoteQuestionDeleted(typed)
	case ledger.StatusChanged:
		name, outcome = ledger.EventQuestionStatusChanged, s.ApplyRemoteStatusChanged(typed)
	default:
		s.logger.Warn("unsupported question event", zap.Any("event", event))
		return
	}
	s.logger.Debug("question event merged",
		zap.String("event", name),
		zap.Uint64("question_id", event.QuestionID()),
		zap.String("outcome", string(outcome)))
}

// ApplyRemoteQuestionAdded appends a question posted by someone else unless
// its id is already present.
func (s *Session) ApplyRemoteQuestionAdded(event ledger.QuestionAdded) Outcome {
	if outcome, skip := s.screen(event); skip {
		return s.recordEvent(ledger.EventQuestionAdded, outcome)
	}
	content, err := openContent(s.key, event.Content)
	if err != nil {
		return s.undecryptable(ledger.EventQuestionAdded, event.Question, err)
	}
	added := Question{
		ID:        event.Question,
		Content:   content,
		AuthorID:  event.Author,
		CreatedAt: s.clock().UTC(),
	}
	return s.merge(ledger.EventQuestionAdded, func(current []Question) ([]Question, Outcome) {
		return appendQuestion(current, added)
	})
}

func (s *Session) ApplyRemoteVoteChanged(event ledger.VoteChanged) Outcome {
	if outcome, skip := s.screen(event); skip {
		return s.recordEvent(ledger.EventQuestionVoted, outcome)
	}
	return s.merge(ledger.EventQuestionVoted, func(current []Question) ([]Question, Outcome) {
		return mergeVoteCounts(current, event.Question, event.UpvoteCount, event.DownvoteCount)
	})
}

func (s *Session) ApplyRemoteContentEdited(event ledger.ContentEdited) Outcome {
	if outcome, skip := s.screen(event); skip {
		return s.recordEvent(ledger.EventQuestionEdited, outcome)
	}
	content, err := openContent(s.key, event.Content)
	if err != nil {
		return s.undecryptable(ledger.EventQuestionEdited, event.Question, err)
	}
	return s.merge(ledger.EventQuestionEdited, func(current []Question) ([]Question, Outcome) {
		return replaceContent(current, event.Question, content)
	})
}

func (s *Session) ApplyRemoteQuestionDeleted(event ledger.QuestionDeleted) Outcome {
	if outcome, skip := s.screen(event); skip {
		return s.recordEvent(ledger.EventQuestionDeleted, outcome)
	}
	return s.merge(ledger.EventQuestionDeleted, func(current []Question) ([]Question, Outcome) {
		return replaceContent(current, event.Question, TombstoneContent)
	})
}

// ApplyRemoteStatusChanged carries no actor, so it is applied even when the
// viewer toggled the status.
func (s *Session) ApplyRemoteStatusChanged(event ledger.StatusChanged) Outcome {
	if outcome, skip := s.screen(event); skip {
		return s.recordEvent(ledger.EventQuestionStatusChanged, outcome)
	}
	return s.merge(ledger.EventQuestionStatusChanged, func(current []Question) ([]Question, Outcome) {
		return setAnswered(current, event.Question, event.IsAnswered)
	})
}

// screen drops events for other rooms and events the viewer caused; the
// viewer's own writes are reconciled by a snapshot.
func (s *Session) screen(event ledger.Event) (Outcome, bool) {
	if event.RoomID() != s.roomID {
		return OutcomeOtherRoom, true
	}
	if actor, ok := event.Actor(); ok && actor == s.viewer {
		return OutcomeSelf, true
	}
	return "", false
}

func (s *Session) merge(eventName string, apply func([]Question) ([]Question, Outcome)) Outcome {
	s.mu.Lock()
	next, outcome := apply(s.questions)
	if outcome == OutcomeApplied {
		s.questions = next
		s.updatedAt = s.clock().UTC()
	}
	s.mu.Unlock()
	if outcome == OutcomeApplied {
		s.notify()
	}
	return s.recordEvent(eventName, outcome)
}

func (s *Session) undecryptable(eventName string, questionID uint64, err error) Outcome {
	_ = s.fail(opApplyRemote, s.classifier.Read(err), err,
		zap.String("event", eventName),
		zap.Uint64("question_id", questionID))
	return s.recordEvent(eventName, OutcomeUndecryptable)
}

func (s *Session) recordEvent(eventName string, outcome Outcome) Outcome {
	s.metrics.RemoteEvent(eventName, string(outcome))
	return outcome
}

func (s *Session) begin() {
	s.mu.Lock()
	s.busy++
	s.lastError = failure.None
	s.lastErrorMessage = ""
	s.mu.Unlock()
	s.notify()
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy--
	s.mu.Unlock()
	s.notify()
}

// fail records the failure in the observable state and returns it.
func (s *Session) fail(operation string, kind failure.Kind, cause error, fields ...zap.Field) error {
	classified := failure.New(operation, kind, cause)
	s.mu.Lock()
	s.lastError = kind
	s.lastErrorMessage = cause.Error()
	s.mu.Unlock()
	s.logError(operation, kind, cause, fields...)
	s.notify()
	return classified
}

func (s *Session) logError(operation string, kind failure.Kind, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}, fields...)
	if kind == failure.SessionExpired || kind == failure.TransactionReverted {
		s.logger.Warn("question operation rejected", allFields...)
		return
	}
	s.logger.Error("question operation failed", allFields...)
}

func (s *Session) notify() {
	if s.onChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.onChange(s.State())
}
