package arclight

import (
	"io/fs"
	"log/slog"

	"github.com/arclight-dev/arclight/internal/artifact"
	"github.com/arclight-dev/arclight/internal/provider"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported. Callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	providers       []provider.RuntimeProvider
	artifactStore   artifact.Store
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (ARCLIGHT_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRuntimeProvider registers an additional runtime provider. Agents select
// a provider by name at creation time; the built-in edge worker adapter stays
// registered. A provider registered here with the same name wins.
func WithRuntimeProvider(p provider.RuntimeProvider) Option {
	return func(o *resolvedOptions) { o.providers = append(o.providers, p) }
}

// WithArtifactStore replaces the auto-selected artifact backend (S3 or local
// directory) with an external implementation.
func WithArtifactStore(s artifact.Store) Option {
	return func(o *resolvedOptions) { o.artifactStore = s }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the embedded migrations. Multiple filesystems may be registered; they are
// applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
