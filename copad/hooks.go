package copad

import (
	"context"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// UserSummary identifies a participant independent of any one connection.
// AuthorId is the edit-authorship lineage: a reconnecting user with the same
// identity inherits it.
type UserSummary struct {
	AuthorId Id     `json:"authorId"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
}

func (self *UserSummary) Identity() string {
	if self.Email != "" {
		return self.Email
	}
	return self.Name
}

// Hooks are the collaborator contracts the core consumes. Storage, auth and
// lifecycle are all external; every hook must be idempotent-safe to call
// with stale state since the orchestrator may retry outside a lock.
type Hooks struct {
	DownloadProject func(ctx context.Context, name string) (*Archive, error)
	UploadProject   func(ctx context.Context, name string, archive *Archive) error
	BackupProject   func(ctx context.Context, name string, archive *Archive) error
	RestoreProject  func(ctx context.Context, name string) (*Archive, error)

	AuthenticateUser       func(ctx context.Context, token string) (*UserSummary, error)
	AuthenticateProject    func(ctx context.Context, name string, token string) (string, error)
	ReadAuthenticatedState func(ctx context.Context, name string) (string, error)

	DefaultProjectFiles func(ctx context.Context, name string) (map[string]string, error)
	ReadonlyFiles       func(name string) []string
	FileWatchers        func(name string) []string
	DefaultOpenFilename func(name string) string

	ProjectOpenHook  func(ctx context.Context, name string)
	ProjectCloseHook func(ctx context.Context, name string)
	FileOpenHook     func(ctx context.Context, name string, pathname string)
	FileChangeHook   func(ctx context.Context, name string, pathname string, content string)
	ClientQuitHook   func(ctx context.Context, name string, clientId Id)
}

// DefaultHooks authenticates with HMAC-signed JWTs and leaves storage and
// lifecycle hooks unset.
func DefaultHooks(jwtSecret []byte) *Hooks {
	return &Hooks{
		AuthenticateUser: func(ctx context.Context, token string) (*UserSummary, error) {
			claims, err := parseJwtClaims(token, jwtSecret)
			if err != nil {
				return nil, &AuthenticationError{Message: err.Error()}
			}
			name, _ := claims["name"].(string)
			if name == "" {
				return nil, &AuthenticationError{Message: "token has no name claim"}
			}
			email, _ := claims["email"].(string)
			user := &UserSummary{
				AuthorId: NewId(),
				Name:     name,
				Email:    email,
			}
			if authorIdStr, ok := claims["authorId"].(string); ok {
				if authorId, err := ParseId(authorIdStr); err == nil {
					user.AuthorId = authorId
				}
			}
			return user, nil
		},
		AuthenticateProject: func(ctx context.Context, name string, token string) (string, error) {
			claims, err := parseJwtClaims(token, jwtSecret)
			if err != nil {
				return "", &AuthenticationError{Message: err.Error()}
			}
			project, _ := claims["project"].(string)
			if project != "" && project != name {
				return "", &AuthenticationError{Message: fmt.Sprintf("token is for project %q", project)}
			}
			state, _ := claims["state"].(string)
			return state, nil
		},
	}
}

func parseJwtClaims(token string, secret []byte) (gojwt.MapClaims, error) {
	claims := gojwt.MapClaims{}
	parsed, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// SignUserToken mints a token the default hooks accept. Used by copadctl and
// tests.
func SignUserToken(secret []byte, name string, email string, project string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"name":    name,
		"email":   email,
		"project": project,
	})
	return token.SignedString(secret)
}
