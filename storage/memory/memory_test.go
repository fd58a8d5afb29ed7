package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nightscout/oauth-bridge/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func TestFindOrCreateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, created, err := s.FindOrCreateUser(ctx, "subject-1", "a@example.com")
	if err != nil {
		t.Fatalf("FindOrCreateUser() error = %v", err)
	}
	if !created {
		t.Error("expected user to be created on first call")
	}
	if user.NightscoutURI != "" {
		t.Errorf("new user NightscoutURI = %q, want empty", user.NightscoutURI)
	}

	again, created, err := s.FindOrCreateUser(ctx, "subject-1", "a@example.com")
	if err != nil {
		t.Fatalf("FindOrCreateUser() second call error = %v", err)
	}
	if created {
		t.Error("expected existing user on second call")
	}
	if again.UserID != user.UserID {
		t.Errorf("UserID = %q, want %q", again.UserID, user.UserID)
	}
}

func TestFindOrCreateUserConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	createdCount := make(chan bool, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.FindOrCreateUser(ctx, "subject-race", "")
			if err != nil {
				t.Errorf("FindOrCreateUser() error = %v", err)
				return
			}
			createdCount <- created
		}()
	}
	wg.Wait()
	close(createdCount)

	creations := 0
	for created := range createdCount {
		if created {
			creations++
		}
	}
	if creations != 1 {
		t.Errorf("expected exactly one creation, got %d", creations)
	}
}

func TestSetNightscoutURI(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetNightscoutURI(ctx, "nobody", "https://example.com/ns"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("SetNightscoutURI() for unknown user error = %v, want ErrUserNotFound", err)
	}

	s.FindOrCreateUser(ctx, "subject-1", "")
	if err := s.SetNightscoutURI(ctx, "subject-1", "https://example.com/ns"); err != nil {
		t.Fatalf("SetNightscoutURI() error = %v", err)
	}

	user, err := s.GetUser(ctx, "subject-1")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.NightscoutURI != "https://example.com/ns" {
		t.Errorf("NightscoutURI = %q, want %q", user.NightscoutURI, "https://example.com/ns")
	}
}

func TestDeleteUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.DeleteUser(ctx, "nobody"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("DeleteUser() for unknown user error = %v, want ErrUserNotFound", err)
	}

	s.FindOrCreateUser(ctx, "subject-1", "")
	if err := s.DeleteUser(ctx, "subject-1"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if _, err := s.GetUser(ctx, "subject-1"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUser() after delete error = %v, want ErrUserNotFound", err)
	}
}

func TestValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}

	s.SaveClient(ctx, &storage.Client{
		ClientID:         "confidential",
		ClientSecretHash: string(hash),
	})
	s.SaveClient(ctx, &storage.Client{ClientID: "public"})

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{name: "correct secret", clientID: "confidential", secret: "s3cret", wantErr: nil},
		{name: "wrong secret", clientID: "confidential", secret: "nope", wantErr: storage.ErrClientSecretMismatch},
		{name: "unknown client", clientID: "ghost", secret: "s3cret", wantErr: storage.ErrClientNotFound},
		{name: "public client no secret", clientID: "public", secret: "", wantErr: nil},
		{name: "public client with secret", clientID: "public", secret: "surprise", wantErr: storage.ErrClientSecretMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if tt.wantErr == nil && err != nil {
				t.Errorf("ValidateClientSecret() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateClientSecret() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConsumePendingAuthorization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := &storage.PendingAuthorization{
		ID:           "pending-1",
		State:        "xyz",
		Scope:        "nightscout_uri",
		ClientID:     "client-1",
		RedirectURI:  "https://client.example.com/cb",
		ResponseType: "code",
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}
	if err := s.SavePendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("SavePendingAuthorization() error = %v", err)
	}

	// Non-consuming read leaves the record in place
	if _, err := s.GetPendingAuthorization(ctx, "pending-1"); err != nil {
		t.Fatalf("GetPendingAuthorization() error = %v", err)
	}

	got, err := s.ConsumePendingAuthorization(ctx, "pending-1")
	if err != nil {
		t.Fatalf("ConsumePendingAuthorization() error = %v", err)
	}
	if got.State != "xyz" {
		t.Errorf("State = %q, want %q", got.State, "xyz")
	}

	// Single use: the second consume fails
	if _, err := s.ConsumePendingAuthorization(ctx, "pending-1"); !errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
		t.Errorf("second consume error = %v, want ErrPendingAuthorizationNotFound", err)
	}
}

func TestConsumeAuthorizationCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:        "code-1",
		ClientID:    "client-1",
		RedirectURI: "https://client.example.com/cb",
		UserID:      "subject-1",
		Scope:       "nightscout_uri",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.UserID != "subject-1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "subject-1")
	}

	// Replay returns the record alongside ErrCodeConsumed
	replayed, err := s.ConsumeAuthorizationCode(ctx, "code-1")
	if !errors.Is(err, storage.ErrCodeConsumed) {
		t.Fatalf("second consume error = %v, want ErrCodeConsumed", err)
	}
	if replayed == nil || replayed.UserID != "subject-1" {
		t.Error("expected consumed record to be returned for replay auditing")
	}
}

func TestConsumeAuthorizationCodeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "stale",
		ExpiresAt: time.Now().Add(-time.Hour),
	})

	if _, err := s.ConsumeAuthorizationCode(ctx, "stale"); !errors.Is(err, storage.ErrCodeExpired) {
		t.Errorf("ConsumeAuthorizationCode() error = %v, want ErrCodeExpired", err)
	}
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "race",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	})

	var wg sync.WaitGroup
	successes := make(chan struct{}, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "race"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one successful consume, got %d", count)
	}
}

func TestRevokeAuthorizationCodeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	})

	if err := s.RevokeAuthorizationCode(ctx, "code-1"); err != nil {
		t.Fatalf("RevokeAuthorizationCode() error = %v", err)
	}
	if err := s.RevokeAuthorizationCode(ctx, "code-1"); err != nil {
		t.Errorf("second revoke error = %v, want nil", err)
	}
	if err := s.RevokeAuthorizationCode(ctx, "ghost"); err != nil {
		t.Errorf("revoking unknown code error = %v, want nil", err)
	}

	got, err := s.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if !got.Revoked {
		t.Error("expected code to be revoked")
	}
	if !got.ExpiresAt.Equal(storage.RevokedExpiry) {
		t.Errorf("ExpiresAt = %v, want revocation sentinel %v", got.ExpiresAt, storage.RevokedExpiry)
	}
}

func newTestToken(refresh string) *storage.Token {
	return &storage.Token{
		AccessToken:           "access-" + refresh,
		RefreshToken:          refresh,
		AccessTokenExpiresAt:  time.Now().Add(time.Hour),
		RefreshTokenExpiresAt: time.Now().Add(24 * time.Hour),
		Scope:                 "nightscout_uri",
		ClientID:              "client-1",
		UserID:                "subject-1",
		IssuedAt:              time.Now(),
	}
}

func TestConsumeRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveToken(ctx, newTestToken("refresh-1")); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	got, err := s.ConsumeRefreshToken(ctx, "refresh-1")
	if err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}
	if got.UserID != "subject-1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "subject-1")
	}

	// Rotation is single use
	if _, err := s.ConsumeRefreshToken(ctx, "refresh-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("second consume error = %v, want ErrTokenNotFound", err)
	}

	// Access member keeps its natural expiry after rotation
	pair, err := s.GetTokenByAccess(ctx, "access-refresh-1")
	if err != nil {
		t.Fatalf("GetTokenByAccess() error = %v", err)
	}
	if pair.AccessTokenExpiresAt.Before(time.Now()) {
		t.Error("access token should remain valid after refresh rotation")
	}
}

func TestConsumeRefreshTokenExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := newTestToken("refresh-old")
	token.RefreshTokenExpiresAt = time.Now().Add(-time.Hour)
	s.SaveToken(ctx, token)

	if _, err := s.ConsumeRefreshToken(ctx, "refresh-old"); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("ConsumeRefreshToken() error = %v, want ErrTokenExpired", err)
	}
}

func TestConsumeRefreshTokenConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveToken(ctx, newTestToken("refresh-race"))

	var wg sync.WaitGroup
	successes := make(chan struct{}, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeRefreshToken(ctx, "refresh-race"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one successful rotation, got %d", count)
	}
}

func TestRevokeToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveToken(ctx, newTestToken("refresh-1"))

	if err := s.RevokeToken(ctx, "access-refresh-1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if err := s.RevokeToken(ctx, "access-refresh-1"); err != nil {
		t.Errorf("second revoke error = %v, want nil", err)
	}
	if err := s.RevokeToken(ctx, "ghost"); err != nil {
		t.Errorf("revoking unknown token error = %v, want nil", err)
	}

	token, err := s.GetTokenByAccess(ctx, "access-refresh-1")
	if err != nil {
		t.Fatalf("GetTokenByAccess() error = %v", err)
	}
	if !token.Revoked {
		t.Error("expected token to be revoked")
	}
	if _, err := s.ConsumeRefreshToken(ctx, "refresh-1"); !errors.Is(err, storage.ErrTokenRevoked) {
		t.Errorf("refresh after revoke error = %v, want ErrTokenRevoked", err)
	}
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := &storage.Session{
		ID:        "sess-1",
		UserID:    "subject-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.UserID != "subject-1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "subject-1")
	}

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, "sess-1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
	}

	// Expired sessions read as absent
	s.SaveSession(ctx, &storage.Session{
		ID:        "sess-old",
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	if _, err := s.GetSession(ctx, "sess-old"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() for expired session error = %v, want ErrSessionNotFound", err)
	}
}
