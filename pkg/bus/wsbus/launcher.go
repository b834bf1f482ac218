package wsbus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-xcookie/internal/errcode"
	"github.com/goliatone/go-xcookie/pkg/frame"
)

// RemoteLauncher asks a hub to host the document. The page must reach the
// hub's bus through a Client for the document's messages to arrive.
type RemoteLauncher struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ frame.Launcher = (*RemoteLauncher)(nil)

// DefaultLaunchTimeout caps a launch request when the launcher was built
// without its own client.
const DefaultLaunchTimeout = 5 * time.Second

func NewRemoteLauncher(baseURL string) *RemoteLauncher {
	return &RemoteLauncher{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultLaunchTimeout},
	}
}

func (l *RemoteLauncher) Launch(ctx context.Context, doc frame.Document) error {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := json.Marshal(launchRequest{
		Token:        doc.Token,
		Resource:     doc.Resource,
		ParentOrigin: doc.ParentOrigin,
	})
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(l.BaseURL, "/") + "/frames"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errcode.Wrap(err, goerrors.CategoryBadInput, "wsbus: build launch request", errcode.BadInput, nil)
	}
	req.Header.Set("Content-Type", "application/json")

	client := l.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultLaunchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return errcode.Wrap(err, goerrors.CategoryExternal, "wsbus: launch request failed", errcode.StoreUnavailable,
			map[string]any{"resource": doc.Resource})
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return errcode.New("wsbus: hub refused document", goerrors.CategoryExternal, errcode.StoreUnavailable,
			map[string]any{
				"resource": doc.Resource,
				"status":   resp.StatusCode,
				"detail":   strings.TrimSpace(string(detail)),
			})
	}
	return nil
}
