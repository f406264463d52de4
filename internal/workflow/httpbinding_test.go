package workflow_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentcore-io/agentcore/internal/workflow"
)

func TestHTTPBinding_SignsRequestsAndRoundTripsStatus(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Workflow-Signature")
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"running","errorName":"","errorMessage":""}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := workflow.NewHTTPBinding(workflow.HTTPBindingConfig{BaseURL: srv.URL, Secret: "shh"})

	require.NoError(t, b.Create(t.Context(), "wf_1", []byte(`{"x":1}`)))
	require.NotEmpty(t, gotSig)

	status, errName, errMsg, err := b.FetchStatus(t.Context(), "wf_1")
	require.NoError(t, err)
	require.Equal(t, "running", status)
	require.Empty(t, errName)
	require.Empty(t, errMsg)
}

func TestHTTPBinding_NonOKStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := workflow.NewHTTPBinding(workflow.HTTPBindingConfig{BaseURL: srv.URL})
	require.Error(t, b.Terminate(t.Context(), "wf_1"))
}
