package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/db/models"
	"gorm.io/gorm"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the resolved caller: one license and its owning tenant.
type Identity struct {
	License *models.License
	Tenant  *models.Tenant
}

// Middleware authenticates requests by bearer credential.
type Middleware struct {
	db        *gorm.DB
	jwtSecret string
}

// NewMiddleware builds the auth middleware.
func NewMiddleware(database *gorm.DB, jwtSecret string) *Middleware {
	return &Middleware{db: database, jwtSecret: jwtSecret}
}

// Authenticate resolves the Authorization header to an Identity. Raw license
// keys (sk-...) and exchanged JWTs are both accepted as bearer credentials;
// either way the license and tenant must still be active at request time, so
// revocation takes effect immediately.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(w, "invalid authorization header format")
			return
		}
		credential := strings.TrimSpace(parts[1])

		var license *models.License
		var err error
		if strings.HasPrefix(credential, "sk-") {
			license, err = db.GetLicenseByKey(m.db, credential)
		} else {
			var claims *Claims
			claims, err = ValidateToken(credential, m.jwtSecret)
			if err == nil {
				license, err = db.GetLicenseByID(m.db, claims.LicenseID)
			}
		}
		if err != nil || license == nil || !license.IsActive || license.RevokedAt != nil {
			unauthorized(w, "invalid or revoked credential")
			return
		}

		tenant, err := db.GetTenant(m.db, license.TenantID)
		if err != nil || !tenant.IsActive {
			unauthorized(w, "tenant is not active")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, &Identity{License: license, Tenant: tenant})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext retrieves the authenticated caller.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": {"message": "` + msg + `", "type": "authentication_error"}}`))
}
