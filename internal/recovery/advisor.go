// Package recovery turns classified failures into ranked, user-actionable
// remedies.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/gemi/internal/fault"
)

// Action identifies a remedy. Values are stable and used on the wire.
type Action string

const (
	Retry              Action = "retry"
	ClearAndRedownload Action = "clear_and_redownload"
	AddCredential      Action = "add_credential"
	FreeSpace          Action = "free_space"
	CheckConnectivity  Action = "check_connectivity"
	ManualSetup        Action = "manual_setup"
	GetHelp            Action = "get_help"
)

// HelpURL is where the get-help remedy points.
const HelpURL = "https://github.com/kalambet/gemi#troubleshooting"

// Handler runs a remedy. input is only meaningful for options with
// NeedsInput set.
type Handler func(ctx context.Context, input string) error

// Option is one remedy. Handler is nil when the remedy is purely
// informational or no Handlers were configured.
type Option struct {
	Action      Action  `json:"action"`
	Description string  `json:"description"`
	NeedsInput  bool    `json:"needs_input,omitempty"`
	Handler     Handler `json:"-"`
}

// Handlers performs the side effects behind each remedy.
type Handlers interface {
	// Retry restarts whatever failed: the download, or readiness.
	Retry(ctx context.Context) error
	// ClearAndRedownload removes the local bundle and starts over.
	ClearAndRedownload(ctx context.Context) error
	// SetCredential stores an access token for the model host.
	SetCredential(ctx context.Context, token string) error
	// CheckConnectivity probes the model host and the inference server.
	CheckConnectivity(ctx context.Context) error
	// CheckSpace reports whether enough disk space is now available.
	CheckSpace(ctx context.Context) error
}

// Advisor maps errors to remedies.
type Advisor struct {
	handlers Handlers
	modelURL string
	modelDir string
	logger   *slog.Logger
}

// New creates an Advisor. modelURL and modelDir describe where the bundle
// comes from and where it goes, for the manual-setup remedy. h may be nil.
func New(h Handlers, modelURL, modelDir string, logger *slog.Logger) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{handlers: h, modelURL: modelURL, modelDir: modelDir, logger: logger}
}

// Options returns the ranked remedies for err. The list always ends with
// manual setup and get help, so it is never empty.
func (a *Advisor) Options(err error) []Option {
	kind := fault.KindOf(err)

	var opts []Option
	switch kind {
	case fault.AuthRequired:
		opts = append(opts, a.addCredential(), a.retry())
	case fault.Network:
		opts = append(opts, a.checkConnectivity(), a.retry())
	case fault.DiskSpace:
		opts = append(opts, a.freeSpace(), a.retry())
	case fault.Corrupted:
		opts = append(opts, a.clearAndRedownload())
	case fault.Server, fault.Cancelled:
		opts = append(opts, a.retry())
	case fault.Timeout:
		opts = append(opts, a.retry(), a.checkConnectivity())
	default:
		if err != nil {
			a.logger.Warn("unclassified error", "error", err)
		}
	}

	return append(opts, a.manualSetup(), a.getHelp())
}

// Find returns the option for action in opts.
func Find(opts []Option, action Action) (Option, bool) {
	for _, o := range opts {
		if o.Action == action {
			return o, true
		}
	}
	return Option{}, false
}

func (a *Advisor) retry() Option {
	o := Option{Action: Retry, Description: "Try again"}
	if a.handlers != nil {
		o.Handler = func(ctx context.Context, _ string) error { return a.handlers.Retry(ctx) }
	}
	return o
}

func (a *Advisor) clearAndRedownload() Option {
	o := Option{Action: ClearAndRedownload, Description: "Delete the downloaded model files and download them again"}
	if a.handlers != nil {
		o.Handler = func(ctx context.Context, _ string) error { return a.handlers.ClearAndRedownload(ctx) }
	}
	return o
}

func (a *Advisor) addCredential() Option {
	o := Option{
		Action:      AddCredential,
		Description: "Add a Hugging Face access token with access to the model",
		NeedsInput:  true,
	}
	if a.handlers != nil {
		o.Handler = func(ctx context.Context, input string) error {
			if input == "" {
				return fmt.Errorf("an access token is required")
			}
			return a.handlers.SetCredential(ctx, input)
		}
	}
	return o
}

func (a *Advisor) checkConnectivity() Option {
	o := Option{Action: CheckConnectivity, Description: "Check your internet connection and that the inference server is running"}
	if a.handlers != nil {
		o.Handler = func(ctx context.Context, _ string) error { return a.handlers.CheckConnectivity(ctx) }
	}
	return o
}

func (a *Advisor) freeSpace() Option {
	o := Option{Action: FreeSpace, Description: "Free up disk space in " + a.modelDir}
	if a.handlers != nil {
		o.Handler = func(ctx context.Context, _ string) error { return a.handlers.CheckSpace(ctx) }
	}
	return o
}

func (a *Advisor) manualSetup() Option {
	return Option{
		Action:      ManualSetup,
		Description: fmt.Sprintf("Download the model files from %s into %s yourself", a.modelURL, a.modelDir),
	}
}

func (a *Advisor) getHelp() Option {
	return Option{Action: GetHelp, Description: "See the troubleshooting guide at " + HelpURL}
}
