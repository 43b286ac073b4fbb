// Package httpflow is the demonstration workload: a workflow that fetches a
// URL through a single activity invocation and hands the body back unchanged.
package httpflow

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidroman0O/flowlite"
)

const (
	// TaskQueue is the queue the demonstration runs on.
	TaskQueue = "http-task-queue"

	// WorkflowID is the execution identity the demonstration submits under.
	WorkflowID = "http-workflow-id"

	// RequestTimeout is the start-to-close window for one fetch.
	RequestTimeout = 3 * time.Second
)

// HTTPGet fetches url and returns the response body. Transport errors fail
// the invocation; HTTP status codes do not, the body comes back as-is either
// way. The start-to-close deadline rides on ctx and aborts the request.
func HTTPGet(ctx flowlite.ActivityContext, url string) (string, error) {
	log := ctx.Logger()
	log.Info(ctx, "fetching url", "url", url, "attempt", ctx.Attempt())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	log.Info(ctx, "fetched url", "url", url, "status", resp.StatusCode, "bytes", len(body))
	return string(body), nil
}

// HTTPWorkflow fetches url via the HTTPGet activity and returns its body.
func HTTPWorkflow(ctx flowlite.WorkflowContext, url string) (string, error) {
	log := ctx.Logger()
	log.Info(ctx, "http workflow started", "url", url)

	var body string
	if err := ctx.ExecuteActivity(HTTPGet, &flowlite.ActivityOptions{
		StartToClose: RequestTimeout,
	}, url).Get(&body); err != nil {
		log.Error(ctx, "http workflow failed", "url", url, "error", err)
		return "", err
	}

	log.Info(ctx, "http workflow completed", "url", url, "bytes", len(body))
	return body, nil
}

// Registrar is the registration surface shared by Worker and Runtime.
type Registrar interface {
	RegisterWorkflow(workflowFunc interface{}) error
	RegisterActivity(activityFunc interface{}) error
}

// Register wires the demonstration handlers onto r.
func Register(r Registrar) error {
	if err := r.RegisterWorkflow(HTTPWorkflow); err != nil {
		return err
	}
	return r.RegisterActivity(HTTPGet)
}
