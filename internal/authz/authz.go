// Package authz decides collection privileges with a casbin RBAC model.
// Policy objects are collection path patterns where "*" matches any suffix
// and "{user}" stands for the requesting principal.
package authz

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/casbin/casbin/v2/util"

	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/models"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

const (
	// Anonymous is the principal of requests that carry no identity.
	Anonymous = "anonymous"

	userPlaceholder = "{user}"
	anyAction       = "*"
)

type principalKey struct{}

// WithPrincipal attaches the authenticated principal to ctx.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the principal carried by ctx, or Anonymous.
func PrincipalFrom(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok && p != "" {
		return p
	}
	return Anonymous
}

// Config configures the checker.
type Config struct {
	// PolicyPath is a casbin CSV policy file. Empty uses the built-in policy.
	PolicyPath string
	// DefaultRole is tried when the principal itself is not granted.
	DefaultRole string
	Logger      *slog.Logger
}

// Checker implements calendar.AccessChecker.
type Checker struct {
	enforcer    *casbin.SyncedEnforcer
	defaultRole string
	logger      *slog.Logger
}

var _ calendar.AccessChecker = (*Checker)(nil)

// New builds a checker from cfg.
func New(cfg Config) (*Checker, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("authz: load model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if cfg.PolicyPath != "" {
		if _, err := os.Stat(cfg.PolicyPath); err != nil {
			return nil, fmt.Errorf("authz: policy file: %w", err)
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(cfg.PolicyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("authz: create enforcer: %w", err)
	}
	enforcer.AddFunction("pathMatch", pathMatchFunc)
	enforcer.AddFunction("actMatch", actMatchFunc)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{enforcer: enforcer, defaultRole: cfg.DefaultRole, logger: logger}, nil
}

// loadPolicy adds the "p" and "g" lines of a CSV policy.
func loadPolicy(e *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		switch {
		case parts[0] == "p" && len(parts) == 4:
			if _, err := e.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
				return fmt.Errorf("authz: add policy %v: %w", parts[1:], err)
			}
		case parts[0] == "g" && len(parts) == 3:
			if _, err := e.AddGroupingPolicy(parts[1], parts[2]); err != nil {
				return fmt.Errorf("authz: add grouping %v: %w", parts[1:], err)
			}
		}
	}
	return nil
}

// Grant adds a role to a principal.
func (c *Checker) Grant(principal, role string) error {
	if _, err := c.enforcer.AddGroupingPolicy(principal, role); err != nil {
		return fmt.Errorf("authz: grant %s to %s: %w", role, principal, err)
	}
	return nil
}

// Allow adds a policy line for subject.
func (c *Checker) Allow(subject, object string, priv models.Privilege) error {
	if _, err := c.enforcer.AddPolicy(subject, object, string(priv)); err != nil {
		return fmt.Errorf("authz: allow %s: %w", subject, err)
	}
	return nil
}

// Check implements calendar.AccessChecker. The token is the matched policy
// line.
func (c *Checker) Check(ctx context.Context, m *models.Master, priv models.Privilege, definite bool) (calendar.Decision, error) {
	user := PrincipalFrom(ctx)
	ok, explain, err := c.enforcer.EnforceEx(user, user, m.ColPath, string(priv))
	if err != nil {
		return calendar.Decision{}, fmt.Errorf("authz: enforce: %w", err)
	}
	if !ok && c.defaultRole != "" && user != Anonymous {
		ok, explain, err = c.enforcer.EnforceEx(c.defaultRole, user, m.ColPath, string(priv))
		if err != nil {
			return calendar.Decision{}, fmt.Errorf("authz: enforce: %w", err)
		}
	}
	if !ok {
		c.logger.Debug("authz: denied",
			slog.String("principal", user),
			slog.String("col_path", m.ColPath),
			slog.String("privilege", string(priv)),
			slog.Bool("definite", definite))
		return calendar.Decision{}, nil
	}
	return calendar.Decision{Allowed: true, Token: strings.Join(explain, ",")}, nil
}

func pathMatchFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 3 {
		return false, fmt.Errorf("pathMatch: want 3 arguments, got %d", len(args))
	}
	obj, _ := args[0].(string)
	pattern, _ := args[1].(string)
	user, _ := args[2].(string)
	return pathMatch(obj, pattern, user), nil
}

func pathMatch(obj, pattern, user string) bool {
	if strings.Contains(pattern, userPlaceholder) {
		if user == Anonymous || strings.ContainsAny(user, "/*") {
			return false
		}
		pattern = strings.ReplaceAll(pattern, userPlaceholder, user)
	}
	return util.KeyMatch(obj, pattern)
}

func actMatchFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("actMatch: want 2 arguments, got %d", len(args))
	}
	req, _ := args[0].(string)
	pol, _ := args[1].(string)
	return actMatch(models.Privilege(req), pol), nil
}

// actMatch grants read-free-busy to anyone who may read.
func actMatch(req models.Privilege, pol string) bool {
	switch {
	case pol == anyAction, pol == string(req):
		return true
	case req == models.PrivilegeReadFreeBusy:
		return pol == string(models.PrivilegeRead)
	}
	return false
}
