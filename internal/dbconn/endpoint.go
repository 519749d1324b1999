package dbconn

import (
	"fmt"
	"net/url"

	"github.com/okvist/pgreconcile/internal/config"
)

// Endpoint is one connection candidate for an environment. Candidates are
// ranked: the shared pooler first, then an API-resolved pooler hostname, then
// the direct database host as last resort.
type Endpoint struct {
	Host  string
	Port  int
	User  string
	Label string
}

// Addr returns host:port for logs and failure messages.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ConnString builds a pgx connection URL for this endpoint using the
// environment's credentials.
func (e Endpoint) ConnString(env config.Environment) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(e.User, env.DBPassword),
		Host:   e.Addr(),
		Path:   "/" + env.Database,
	}
	q := url.Values{}
	q.Set("sslmode", "require")
	u.RawQuery = q.Encode()
	return u.String()
}

// PooledEndpoint builds the shared-pooler candidate for an environment.
// Pooled connections authenticate as postgres.<project_ref> so the pooler can
// route to the right project.
func PooledEndpoint(env config.Environment) Endpoint {
	return Endpoint{
		Host:  fmt.Sprintf("%s.pooler.supabase.com", env.PoolerRegion),
		Port:  env.PoolerPort,
		User:  "postgres." + env.ProjectRef,
		Label: "shared pooler",
	}
}

// ResolvedEndpoint builds a candidate from a pooler hostname returned by the
// management API.
func ResolvedEndpoint(env config.Environment, host string) Endpoint {
	return Endpoint{
		Host:  host,
		Port:  env.PoolerPort,
		User:  "postgres." + env.ProjectRef,
		Label: "api-resolved pooler",
	}
}

// DirectEndpoint builds the direct-host candidate. The host comes from the
// config when set, otherwise from the project ref.
func DirectEndpoint(env config.Environment) Endpoint {
	host := env.DirectHost
	if host == "" {
		host = fmt.Sprintf("db.%s.supabase.co", env.ProjectRef)
	}
	return Endpoint{
		Host:  host,
		Port:  5432,
		User:  "postgres",
		Label: "direct host",
	}
}
