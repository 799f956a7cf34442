// Package actions is the UI intent surface: every create, edit, delete, undo and resync
// runs through the action guard, writes optimistically to the local store and then asks
// the orchestrator for a sync.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/guard"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncer"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/undo"
)

var (
	errMissingGuard = errors.New("actions: guard is required")
	errMissingStore = errors.New("actions: record store is required")
	errMissingSync  = errors.New("actions: syncer is required")
	errNoOwner      = fmt.Errorf("%w: no owner hydrated", ledger.ErrValidation)
	errNoUndo       = errors.New("actions: undo controller is not configured")
	errNoResolver   = errors.New("actions: conflict resolver is not configured")
)

// RecordStore is the part of the local store the intents write through.
type RecordStore interface {
	Get(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error)
	Upsert(ctx context.Context, record ledger.Record) (ledger.Record, error)
}

// Deleter owns the undo window.
type Deleter interface {
	RequestDelete(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (undo.PendingDeletion, error)
	Cancel(ctx context.Context, clientID ledger.ClientID) (bool, error)
	OnExpired(hook undo.ExpiryHook)
}

// Syncer is the orchestrator surface the intents use.
type Syncer interface {
	Owner() ledger.OwnerID
	RequestSync()
	TriggerSync(ctx context.Context, owner ledger.OwnerID) (syncer.Report, error)
}

// ConflictResolver settles held conflicts on explicit user choice.
type ConflictResolver interface {
	Resolve(ctx context.Context, conflictID string, choice conflicts.Choice) (conflicts.Outcome, error)
}

// Config wires the intent service.
type Config struct {
	Guard         *guard.Guard
	Store         RecordStore
	Undo          Deleter
	Sync          Syncer
	Conflicts     ConflictResolver
	NewClientID   func() ledger.ClientID
	ActionTimeout time.Duration
	Logger        *zap.Logger
}

// Service exposes user intents.
type Service struct {
	guard       *guard.Guard
	store       RecordStore
	undo        Deleter
	sync        Syncer
	conflicts   ConflictResolver
	newClientID func() ledger.ClientID
	timeout     time.Duration
	logger      *zap.Logger
}

// NewService validates cfg and returns a Service. Expired deletions request a sync so
// they are pushed promptly.
func NewService(cfg Config) (*Service, error) {
	if cfg.Guard == nil {
		return nil, errMissingGuard
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Sync == nil {
		return nil, errMissingSync
	}
	newClientID := cfg.NewClientID
	if newClientID == nil {
		newClientID = ledger.NewClientID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		guard:       cfg.Guard,
		store:       cfg.Store,
		undo:        cfg.Undo,
		sync:        cfg.Sync,
		conflicts:   cfg.Conflicts,
		newClientID: newClientID,
		timeout:     cfg.ActionTimeout,
		logger:      logger,
	}
	if service.undo != nil {
		service.undo.OnExpired(func(_ context.Context, record ledger.Record) {
			service.logger.Debug("deletion expired", zap.String("client_id", record.ClientID.String()))
			service.sync.RequestSync()
		})
	}
	return service, nil
}

// CreateBook stores a new book.
func (s *Service) CreateBook(ctx context.Context, payload ledger.BookPayload) guard.Result {
	return s.execute(ctx, "book.create", guard.PriorityNormal, func(ctx context.Context) (any, error) {
		owner, err := s.owner()
		if err != nil {
			return nil, err
		}
		return s.write(ctx, ledger.Record{
			Kind:     ledger.KindBook,
			OwnerID:  owner,
			ClientID: s.newClientID(),
			Book:     &payload,
		})
	})
}

// EditBook replaces the content of an existing book.
func (s *Service) EditBook(ctx context.Context, clientID ledger.ClientID, payload ledger.BookPayload) guard.Result {
	return s.execute(ctx, "book.edit:"+clientID.String(), guard.PriorityNormal, func(ctx context.Context) (any, error) {
		existing, err := s.editable(ctx, ledger.KindBook, clientID)
		if err != nil {
			return nil, err
		}
		existing.Book = &payload
		return s.write(ctx, existing)
	})
}

// CreateEntry stores a new entry under the book bookID.
func (s *Service) CreateEntry(ctx context.Context, bookID ledger.ClientID, payload ledger.EntryPayload) guard.Result {
	return s.execute(ctx, "entry.create:"+bookID.String(), guard.PriorityNormal, func(ctx context.Context) (any, error) {
		owner, err := s.owner()
		if err != nil {
			return nil, err
		}
		book, err := s.liveBook(ctx, bookID)
		if err != nil {
			return nil, err
		}
		record := ledger.Record{
			Kind:           ledger.KindEntry,
			OwnerID:        owner,
			ClientID:       s.newClientID(),
			ParentClientID: book.ClientID,
			Entry:          &payload,
		}
		if book.ServerIssued {
			record.ParentServerID = book.ServerID
		}
		return s.write(ctx, record)
	})
}

// EditEntry replaces the content of an existing entry. A non-empty bookID moves it to
// another book.
func (s *Service) EditEntry(ctx context.Context, clientID ledger.ClientID, bookID ledger.ClientID, payload ledger.EntryPayload) guard.Result {
	return s.execute(ctx, "entry.edit:"+clientID.String(), guard.PriorityNormal, func(ctx context.Context) (any, error) {
		existing, err := s.editable(ctx, ledger.KindEntry, clientID)
		if err != nil {
			return nil, err
		}
		if bookID != "" && bookID != existing.ParentClientID {
			if _, err := s.liveBook(ctx, bookID); err != nil {
				return nil, err
			}
			existing.ParentClientID = bookID
		}
		existing.Entry = &payload
		return s.write(ctx, existing)
	})
}

// Delete starts the undo window for a record.
func (s *Service) Delete(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) guard.Result {
	return s.execute(ctx, "record.delete:"+clientID.String(), guard.PriorityNormal, func(ctx context.Context) (any, error) {
		if s.undo == nil {
			return nil, errNoUndo
		}
		if _, err := s.editable(ctx, kind, clientID); err != nil {
			return nil, err
		}
		return s.undo.RequestDelete(ctx, kind, clientID)
	})
}

// Undo cancels a pending deletion. It runs even while an animation plays.
func (s *Service) Undo(ctx context.Context, clientID ledger.ClientID) guard.Result {
	return s.execute(ctx, "record.undo:"+clientID.String(), guard.PriorityHigh, func(ctx context.Context) (any, error) {
		if s.undo == nil {
			return nil, errNoUndo
		}
		cancelled, err := s.undo.Cancel(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if !cancelled {
			return nil, fmt.Errorf("%w: no pending deletion for %s", ledger.ErrNotFound, clientID)
		}
		return cancelled, nil
	})
}

// Resync runs a sync cycle now and returns its report.
func (s *Service) Resync(ctx context.Context) guard.Result {
	return s.execute(ctx, "sync.resync", guard.PriorityNormal, func(ctx context.Context) (any, error) {
		owner, err := s.owner()
		if err != nil {
			return nil, err
		}
		return s.sync.TriggerSync(ctx, owner)
	})
}

// ResolveConflict applies the user's choice to a held conflict and requests a sync.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, choice conflicts.Choice) guard.Result {
	return s.execute(ctx, "conflict.resolve:"+conflictID, guard.PriorityNormal, func(ctx context.Context) (any, error) {
		if s.conflicts == nil {
			return nil, errNoResolver
		}
		outcome, err := s.conflicts.Resolve(ctx, conflictID, choice)
		if err != nil {
			return nil, err
		}
		s.sync.RequestSync()
		return outcome, nil
	})
}

func (s *Service) execute(ctx context.Context, actionID string, priority guard.Priority, action guard.Action) guard.Result {
	opts := []guard.Option{guard.WithPriority(priority)}
	if s.timeout > 0 {
		opts = append(opts, guard.WithTimeout(s.timeout))
	}
	result := s.guard.Execute(ctx, actionID, action, opts...)
	if result.Err != nil && !result.IsBlocked {
		s.logger.Info("action failed", zap.String("action_id", actionID), zap.Error(result.Err))
	}
	return result
}

func (s *Service) write(ctx context.Context, record ledger.Record) (ledger.Record, error) {
	stored, err := s.store.Upsert(ctx, record)
	if err != nil {
		return ledger.Record{}, err
	}
	if stored.SyncState == ledger.SyncStateUnsynced {
		s.sync.RequestSync()
	}
	return stored, nil
}

func (s *Service) owner() (ledger.OwnerID, error) {
	owner := s.sync.Owner()
	if owner == "" {
		return "", errNoOwner
	}
	return owner, nil
}

func (s *Service) editable(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error) {
	owner, err := s.owner()
	if err != nil {
		return ledger.Record{}, err
	}
	record, err := s.store.Get(ctx, kind, clientID)
	if err != nil {
		return ledger.Record{}, err
	}
	if record.OwnerID != owner {
		return ledger.Record{}, fmt.Errorf("%w: %s belongs to another owner", ledger.ErrValidation, clientID)
	}
	if record.DeletionState == ledger.DeletionDeleted {
		return ledger.Record{}, ledger.ErrRecordDeleted
	}
	return record, nil
}

func (s *Service) liveBook(ctx context.Context, bookID ledger.ClientID) (ledger.Record, error) {
	book, err := s.editable(ctx, ledger.KindBook, bookID)
	if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrRecordDeleted) {
		return ledger.Record{}, fmt.Errorf("%w: book %s does not exist", ledger.ErrValidation, bookID)
	}
	if err != nil {
		return ledger.Record{}, err
	}
	if book.DeletionState != ledger.DeletionActive {
		return ledger.Record{}, fmt.Errorf("%w: book %s is being deleted", ledger.ErrValidation, bookID)
	}
	return book, nil
}
