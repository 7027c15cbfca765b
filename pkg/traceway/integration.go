package traceway

import "context"

// Handle is the part of the Logger visible to integrations.
type Handle interface {
	Debug(name, msg string, data map[string]any)
	Info(name, msg string, data map[string]any)
	Warn(name, msg string, data map[string]any)
	Error(name, msg string, data map[string]any)

	AddBreadcrumb(typ BreadcrumbType, message string, data map[string]any)
	Breadcrumbs() []Breadcrumb
	SetUser(u User)
	SetContext(c Context)

	// FlushSync drains the queue synchronously. Teardown paths such as
	// signal handlers call it before the process exits.
	FlushSync(ctx context.Context) error
}

// Integration observes the environment and reports into a Handle. An
// integration whose Setup fails is skipped and never torn down.
type Integration interface {
	Setup(h Handle) error
}

// Teardowner is implemented by integrations that must undo their Setup.
type Teardowner interface {
	Teardown()
}
