package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"identity-hub/backend/internal/identity"
	"identity-hub/backend/internal/local"
	"identity-hub/backend/internal/memstore"
	"identity-hub/backend/internal/personalization"
	apperrors "identity-hub/backend/pkg/errors"
	"go.uber.org/zap"
)

type bootstrapCall struct {
	userID, name string
	onlyIfUnset  bool
}

type recordingBootstrapper struct {
	mu    sync.Mutex
	calls []bootstrapCall
}

func (r *recordingBootstrapper) Bootstrap(ctx context.Context, userID, displayName string, onlyIfUnset bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, bootstrapCall{userID, displayName, onlyIfUnset})
}

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestEngine(store identity.Store) (*Engine, *recordingBootstrapper) {
	boot := &recordingBootstrapper{}
	engine := NewEngine(store, boot, Config{
		DefaultRole: "user",
		Now:         func() time.Time { return fixedNow },
	}, zap.NewNop())
	return engine, boot
}

func mustCreate(t *testing.T, store identity.Store, rec *identity.UserRecord) {
	t.Helper()
	_, err := store.CreateUser(context.Background(), rec)
	require.NoError(t, err)
}

func countUsers(t *testing.T, store identity.Store) int {
	t.Helper()
	all, err := store.GetAllUsers(context.Background())
	require.NoError(t, err)
	return len(all)
}

func TestEngine_DecisionTable(t *testing.T) {
	linkedU1 := func() *identity.UserRecord {
		return &identity.UserRecord{ID: "U1", APIKey: "K1", Facebook: &identity.ProviderLink{ID: "fb1"}}
	}
	plainU2 := func() *identity.UserRecord {
		return &identity.UserRecord{ID: "U2", APIKey: "K2"}
	}

	tests := []struct {
		name        string
		seed        []*identity.UserRecord
		profile     Profile
		ticket      *identity.UserRecord
		wantKind    Kind
		wantUser    string
		wantMessage string
		wantUsers   int
	}{
		{
			name:     "1 server and client agree",
			seed:     []*identity.UserRecord{linkedU1()},
			profile:  Profile{ID: "fb1"},
			ticket:   &identity.UserRecord{ID: "U1"},
			wantKind: Reconnected, wantUser: "U1", wantUsers: 1,
		},
		{
			name:     "1 same identity by api key",
			seed:     []*identity.UserRecord{linkedU1()},
			profile:  Profile{ID: "fb1"},
			ticket:   &identity.UserRecord{APIKey: "K1"},
			wantKind: Reconnected, wantUser: "U1", wantUsers: 1,
		},
		{
			name:        "2 server bound to another account",
			seed:        []*identity.UserRecord{linkedU1(), plainU2()},
			profile:     Profile{ID: "fb1"},
			ticket:      &identity.UserRecord{ID: "U2", APIKey: "K2"},
			wantKind:    Conflict,
			wantMessage: msgLinkedElsewhere,
			wantUsers:   2,
		},
		{
			name:     "3 server only",
			seed:     []*identity.UserRecord{linkedU1()},
			profile:  Profile{ID: "fb1"},
			wantKind: Reconnected, wantUser: "U1", wantUsers: 1,
		},
		{
			name:        "4 client claims unrecorded linkage",
			seed:        []*identity.UserRecord{plainU2()},
			profile:     Profile{ID: "fb9"},
			ticket:      &identity.UserRecord{ID: "U2", Facebook: &identity.ProviderLink{ID: "fb9"}},
			wantKind:    Inconsistency,
			wantMessage: msgClaimNotRecorded,
			wantUsers:   1,
		},
		{
			name:        "5 client linked to a different provider account",
			seed:        []*identity.UserRecord{plainU2()},
			profile:     Profile{ID: "fb9"},
			ticket:      &identity.UserRecord{ID: "U2", Facebook: &identity.ProviderLink{ID: "fb8"}},
			wantKind:    Conflict,
			wantMessage: msgAlreadyLinked,
			wantUsers:   1,
		},
		{
			name:     "6 merge onto client account",
			seed:     []*identity.UserRecord{plainU2()},
			profile:  Profile{ID: "fb9", DisplayName: "Bea"},
			ticket:   &identity.UserRecord{ID: "U2"},
			wantKind: Merged, wantUser: "U2", wantUsers: 1,
		},
		{
			name:      "7 nothing known",
			profile:   Profile{ID: "fb9", DisplayName: "Bea"},
			wantKind:  Created,
			wantUsers: 1,
		},
		{
			name:      "empty ticket counts as absent",
			profile:   Profile{ID: "fb9"},
			ticket:    &identity.UserRecord{},
			wantKind:  Created,
			wantUsers: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			for _, rec := range tt.seed {
				mustCreate(t, store, rec)
			}
			engine, _ := newTestEngine(store)

			out, err := engine.Reconcile(context.Background(), identity.ProviderFacebook, tt.profile, tt.ticket)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, tt.wantMessage, out.Message)
			if tt.wantUser != "" {
				require.NotNil(t, out.Record)
				assert.Equal(t, tt.wantUser, out.Record.ID)
			}
			if out.OK() {
				assert.NoError(t, out.Err())
				assert.Equal(t, tt.profile.ID, out.Record.Facebook.ID)
			} else {
				assert.Nil(t, out.Record)
				assert.Error(t, out.Err())
			}
			assert.Equal(t, tt.wantUsers, countUsers(t, store))
		})
	}
}

func TestEngine_ConcreteScenario(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	locals := local.NewService(store, local.Config{BcryptCost: bcrypt.MinCost}, zap.NewNop())
	engine, boot := newTestEngine(store)

	u1, err := locals.Register(ctx, "a@x.com", "pw1", nil)
	require.NoError(t, err)
	k1 := u1.APIKey

	merged, err := engine.Reconcile(ctx, identity.ProviderFacebook, Profile{ID: "fb1", DisplayName: "A"}, u1)
	require.NoError(t, err)
	assert.Equal(t, Merged, merged.Kind)
	assert.Equal(t, u1.ID, merged.Record.ID)
	assert.Equal(t, k1, merged.Record.APIKey)
	assert.Equal(t, "fb1", merged.Record.Facebook.ID)
	assert.Equal(t, "a@x.com", merged.Record.Local.Email)
	assert.Empty(t, merged.Record.Local.PasswordHash)

	again, err := engine.Reconcile(ctx, identity.ProviderFacebook, Profile{ID: "fb1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Reconnected, again.Kind)
	assert.Equal(t, merged.Record, again.Record)

	created, err := engine.Reconcile(ctx, identity.ProviderGoogle, Profile{ID: "g1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Created, created.Kind)
	assert.NotEqual(t, u1.ID, created.Record.ID)
	assert.NotEmpty(t, created.Record.APIKey)
	assert.NotEqual(t, k1, created.Record.APIKey)
	assert.Equal(t, "g1", created.Record.Google.ID)
	assert.Nil(t, created.Record.Facebook)
	assert.Equal(t, fixedNow, created.Record.CreationDate)
	assert.Equal(t, 2, countUsers(t, store))

	// Local login still works after the merge and returns the same key
	loggedIn, err := locals.Login(ctx, "a@x.com", "pw1")
	require.NoError(t, err)
	assert.Equal(t, k1, loggedIn.APIKey)

	require.Len(t, boot.calls, 2)
	assert.Equal(t, bootstrapCall{u1.ID, "A", true}, boot.calls[0])
	assert.Equal(t, bootstrapCall{created.Record.ID, "", false}, boot.calls[1])
}

func TestEngine_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	mustCreate(t, store, &identity.UserRecord{ID: "U1", APIKey: "K1"})
	engine, _ := newTestEngine(store)

	ticket := &identity.UserRecord{ID: "U1", APIKey: "K1"}
	first, err := engine.Reconcile(ctx, identity.ProviderFacebook, Profile{ID: "fb1"}, ticket)
	require.NoError(t, err)
	second, err := engine.Reconcile(ctx, identity.ProviderFacebook, Profile{ID: "fb1"}, ticket)
	require.NoError(t, err)

	assert.Equal(t, Merged, first.Kind)
	assert.Equal(t, Reconnected, second.Kind)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, first.Record.APIKey, second.Record.APIKey)
	assert.Equal(t, 1, countUsers(t, store))
}

func TestEngine_ConflictDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	u1 := &identity.UserRecord{ID: "U1", APIKey: "K1", Facebook: &identity.ProviderLink{ID: "fb1"}}
	u2 := &identity.UserRecord{ID: "U2", APIKey: "K2", Google: &identity.ProviderLink{ID: "g2"}}
	mustCreate(t, store, u1)
	mustCreate(t, store, u2)
	engine, boot := newTestEngine(store)

	out, err := engine.Reconcile(ctx, identity.ProviderFacebook, Profile{ID: "fb1"}, u2)
	require.NoError(t, err)
	assert.Equal(t, Conflict, out.Kind)

	gotU1, err := store.GetByID(ctx, "U1")
	require.NoError(t, err)
	gotU2, err := store.GetByID(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, u1, gotU1)
	assert.Equal(t, u2, gotU2)
	assert.Empty(t, boot.calls)
}

func TestEngine_StaleTicketNeverOverwritesLink(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	// The stored account already has twitter t1, the client's cached copy does not
	mustCreate(t, store, &identity.UserRecord{ID: "U1", APIKey: "K1", Twitter: &identity.ProviderLink{ID: "t1"}})
	engine, _ := newTestEngine(store)

	out, err := engine.Reconcile(ctx, identity.ProviderTwitter, Profile{ID: "t2"}, &identity.UserRecord{ID: "U1"})
	require.NoError(t, err)
	assert.Equal(t, Conflict, out.Kind)

	got, err := store.GetByID(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Twitter.ID)
}

func TestEngine_UnknownTicketIsInconsistent(t *testing.T) {
	engine, _ := newTestEngine(memstore.New())

	out, err := engine.Reconcile(context.Background(), identity.ProviderGoogle, Profile{ID: "g1"}, &identity.UserRecord{ID: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, Inconsistency, out.Kind)
	assert.Equal(t, msgUnknownTicket, out.Message)
}

func TestEngine_SameCodePathForEveryProvider(t *testing.T) {
	for _, p := range identity.Providers {
		t.Run(string(p), func(t *testing.T) {
			ctx := context.Background()
			store := memstore.New()
			mustCreate(t, store, &identity.UserRecord{ID: "U1", APIKey: "K1"})
			engine, boot := newTestEngine(store)

			out, err := engine.Reconcile(ctx, p, Profile{ID: "x1", DisplayName: "Name"}, &identity.UserRecord{ID: "U1"})
			require.NoError(t, err)
			assert.Equal(t, Merged, out.Kind)
			assert.Equal(t, "x1", out.Record.Link(p).ID)
			assert.Equal(t, []bootstrapCall{{"U1", "Name", true}}, boot.calls)
		})
	}
}

func TestEngine_Validation(t *testing.T) {
	engine, _ := newTestEngine(memstore.New())

	_, err := engine.Reconcile(context.Background(), identity.Provider("myspace"), Profile{ID: "1"}, nil)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	_, err = engine.Reconcile(context.Background(), identity.ProviderGoogle, Profile{}, nil)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestEngine_ConcurrentFirstConnectsCreateOneRecord(t *testing.T) {
	store := memstore.New()
	engine, _ := newTestEngine(store)

	const workers = 16
	var wg sync.WaitGroup
	ids := make([]string, workers)
	kinds := make([]Kind, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := engine.Reconcile(context.Background(), identity.ProviderGoogle, Profile{ID: "g1"}, nil)
			if err == nil && out.Record != nil {
				ids[i] = out.Record.ID
				kinds[i] = out.Kind
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, countUsers(t, store))
	created := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if kinds[i] == Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Zero(t, engine.locks.size())
}

// racingStore simulates another process inserting the same linkage
// between the engine's lookup and its write
type racingStore struct {
	*memstore.Store
	once sync.Once
}

func (r *racingStore) CreateUser(ctx context.Context, rec *identity.UserRecord) (*identity.UserRecord, error) {
	r.once.Do(func() {
		winner := rec.Clone()
		winner.ID = "U-other"
		winner.APIKey = "K-other"
		_, _ = r.Store.CreateUser(ctx, winner)
	})
	return r.Store.CreateUser(ctx, rec)
}

func TestEngine_LostCreateRaceReconnects(t *testing.T) {
	store := &racingStore{Store: memstore.New()}
	engine, boot := newTestEngine(store)

	out, err := engine.Reconcile(context.Background(), identity.ProviderGoogle, Profile{ID: "g1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Reconnected, out.Kind)
	assert.Equal(t, "U-other", out.Record.ID)
	assert.Equal(t, 1, countUsers(t, store))
	assert.Empty(t, boot.calls)
}

type failingLookupStore struct {
	*memstore.Store
}

func (failingLookupStore) GetByProviderID(ctx context.Context, provider identity.Provider, providerID string) (*identity.UserRecord, error) {
	return nil, apperrors.NewTimeout("GetByProviderID", time.Second, context.DeadlineExceeded)
}

func TestEngine_StoreFaultIsAnError(t *testing.T) {
	engine, _ := newTestEngine(failingLookupStore{memstore.New()})

	out, err := engine.Reconcile(context.Background(), identity.ProviderGoogle, Profile{ID: "g1"}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeTimeout))
	assert.Equal(t, Outcome{}, out)
}

type brokenAttrs struct{}

func (brokenAttrs) GetPersonalization(ctx context.Context, userID, key string) (string, bool, error) {
	return "", false, errors.New("down")
}

func (brokenAttrs) AddPersonalization(ctx context.Context, userID, key, value string) error {
	return errors.New("down")
}

func TestEngine_BootstrapFailureDoesNotFailReconcile(t *testing.T) {
	store := memstore.New()
	boot := personalization.NewService(brokenAttrs{}, store, zap.NewNop())
	engine := NewEngine(store, boot, Config{}, zap.NewNop())

	out, err := engine.Reconcile(context.Background(), identity.ProviderTwitter, Profile{ID: "t1", DisplayName: "T"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Created, out.Kind)
}

func TestEngine_BootstrapSeedsUsername(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	boot := personalization.NewService(store, store, zap.NewNop())
	engine := NewEngine(store, boot, Config{}, zap.NewNop())

	out, err := engine.Reconcile(ctx, identity.ProviderGoogle, Profile{ID: "g1", DisplayName: "Gee"}, nil)
	require.NoError(t, err)

	name, ok, err := boot.Username(ctx, out.Record.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Gee", name)

	// A later merge of another provider keeps the existing name
	_, err = engine.Reconcile(ctx, identity.ProviderFacebook, Profile{ID: "fb1", DisplayName: "Eff"}, out.Record)
	require.NoError(t, err)
	name, _, _ = boot.Username(ctx, out.Record.ID)
	assert.Equal(t, "Gee", name)
}

// slowLookupStore holds every GetByAny open long enough for concurrent
// writers of one account to interleave
type slowLookupStore struct {
	*memstore.Store
}

func (s slowLookupStore) GetByAny(ctx context.Context, ticket *identity.UserRecord) (*identity.UserRecord, error) {
	rec, err := s.Store.GetByAny(ctx, ticket)
	time.Sleep(20 * time.Millisecond)
	return rec, err
}

func TestEngine_ConcurrentMergesOfDifferentProvidersKeepBothLinks(t *testing.T) {
	ctx := context.Background()
	store := slowLookupStore{memstore.New()}
	mustCreate(t, store, &identity.UserRecord{ID: "U1", APIKey: "K1"})
	engine, _ := newTestEngine(store)

	ticket := &identity.UserRecord{ID: "U1", APIKey: "K1"}
	connects := []struct {
		provider identity.Provider
		id       string
	}{
		{identity.ProviderFacebook, "fb1"},
		{identity.ProviderGoogle, "g1"},
		{identity.ProviderTwitter, "t1"},
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, len(connects))
	errs := make([]error, len(connects))
	for i, c := range connects {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = engine.Reconcile(ctx, c.provider, Profile{ID: c.id}, ticket)
		}()
	}
	wg.Wait()

	for i := range connects {
		require.NoError(t, errs[i])
		assert.Equal(t, Merged, outcomes[i].Kind)
	}

	got, err := store.GetByID(ctx, "U1")
	require.NoError(t, err)
	for _, c := range connects {
		link := got.Link(c.provider)
		require.NotNil(t, link, "%s linkage lost", c.provider)
		assert.Equal(t, c.id, link.ID)
	}
	assert.Equal(t, "K1", got.APIKey)
	assert.Equal(t, 1, countUsers(t, store))

	// a later connect without a ticket finds the account instead of creating one
	out, err := engine.Reconcile(ctx, identity.ProviderFacebook, Profile{ID: "fb1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Reconnected, out.Kind)
	assert.Equal(t, "U1", out.Record.ID)
}

func TestEngine_MergeRacingLocalAttachKeepsBoth(t *testing.T) {
	ctx := context.Background()
	store := slowLookupStore{memstore.New()}
	mustCreate(t, store, &identity.UserRecord{ID: "U1", APIKey: "K1"})
	engine, _ := newTestEngine(store)
	locals := local.NewService(store, local.Config{BcryptCost: bcrypt.MinCost}, zap.NewNop())

	var wg sync.WaitGroup
	var mergeErr, registerErr error
	var out Outcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		out, mergeErr = engine.Reconcile(ctx, identity.ProviderGoogle, Profile{ID: "g1"}, &identity.UserRecord{ID: "U1"})
	}()
	go func() {
		defer wg.Done()
		_, registerErr = locals.Register(ctx, "a@x.com", "pw1", &identity.UserRecord{ID: "U1"})
	}()
	wg.Wait()

	require.NoError(t, mergeErr)
	require.NoError(t, registerErr)
	assert.Equal(t, Merged, out.Kind)

	got, err := store.GetByID(ctx, "U1")
	require.NoError(t, err)
	require.NotNil(t, got.Google)
	assert.Equal(t, "g1", got.Google.ID)
	require.NotNil(t, got.Local)
	assert.Equal(t, "a@x.com", got.Local.Email)
	assert.Equal(t, "K1", got.APIKey)
}

// linkingLookupStore links the provider between the engine's read of the
// target and its write, as a second server would
type linkingLookupStore struct {
	*memstore.Store
}

func (s linkingLookupStore) GetByAny(ctx context.Context, ticket *identity.UserRecord) (*identity.UserRecord, error) {
	rec, err := s.Store.GetByAny(ctx, ticket)
	if err == nil {
		_, _ = s.Store.LinkProvider(ctx, rec.ID, identity.ProviderGoogle, &identity.ProviderLink{ID: "g-other"})
	}
	return rec, err
}

func TestEngine_MergeLosingProviderSlotIsConflict(t *testing.T) {
	ctx := context.Background()
	store := linkingLookupStore{memstore.New()}
	mustCreate(t, store, &identity.UserRecord{ID: "U1", APIKey: "K1"})
	engine, boot := newTestEngine(store)

	out, err := engine.Reconcile(ctx, identity.ProviderGoogle, Profile{ID: "g1"}, &identity.UserRecord{ID: "U1"})
	require.NoError(t, err)
	assert.Equal(t, Conflict, out.Kind)
	assert.Equal(t, msgAlreadyLinked, out.Message)
	assert.Empty(t, boot.calls)

	got, err := store.GetByID(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "g-other", got.Google.ID)
}
