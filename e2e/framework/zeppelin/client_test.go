package zeppelin

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBase     = "http://10.0.0.5:9090/api/notebook/"
	testNotebook = "hdfs-tutorial"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func fixture(t *testing.T, name string) string {
	t.Helper()
	content, err := os.ReadFile("fixture/" + name)
	require.NoError(t, err)
	return string(content)
}

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(BaseURL("10.0.0.5", 9090), WithTimeout(time.Second))
	httpmock.ActivateNonDefault(c.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, testBase, BaseURL("10.0.0.5", 9090))
	assert.Equal(t, testBase, BaseURL("10.0.0.5", 0))
	assert.Equal(t, "http://[fd00::1]:9090/api/notebook/", BaseURL("fd00::1", 9090))
}

func TestBindAll(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", testBase+"interpreter/bind/"+testNotebook,
		httpmock.NewStringResponder(200, fixture(t, "interpreter_bind.json")))

	var bound []string
	httpmock.RegisterResponder("PUT", testBase+"interpreter/bind/"+testNotebook,
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&bound); err != nil {
				return httpmock.NewStringResponse(400, err.Error()), nil
			}
			return httpmock.NewStringResponse(200, `{"status":"OK"}`), nil
		})

	ids, err := c.BindAll(context.Background(), testNotebook)
	require.NoError(t, err)
	want := []string{"2C4U48MY3", "2C3RWCVAG", "2C5AY6ZCB"}
	assert.Equal(t, want, ids)
	assert.Equal(t, want, bound)
}

func TestRunNotebook(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("POST", testBase+"job/"+testNotebook,
		httpmock.NewStringResponder(200, `{"status":"OK"}`))

	require.NoError(t, c.RunNotebook(context.Background(), testNotebook))
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["POST "+testBase+"job/"+testNotebook])
}

func TestJobStatus(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", testBase+"job/"+testNotebook,
		httpmock.NewStringResponder(200, fixture(t, "job_running.json")))

	statuses, err := c.JobStatus(context.Background(), testNotebook)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, StatusRunning, statuses[1].Status)
	assert.Equal(t, StatusRunning, Aggregate(statuses))
}

func TestJobStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		timeout   bool
		status    int
	}{
		{"server error", httpmock.NewStringResponder(500, "boom"), false, 500},
		{"not found", httpmock.NewStringResponder(404, `{"status":"NOT_FOUND"}`), false, 404},
		{"timeout", httpmock.NewErrorResponder(timeoutError{}), true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newMockedClient(t)
			httpmock.RegisterResponder("GET", testBase+"job/"+testNotebook, tt.responder)

			_, err := c.JobStatus(context.Background(), testNotebook)
			require.Error(t, err)
			assert.Equal(t, tt.timeout, IsTimeout(err))
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestRequestErrorDetails(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("PUT", testBase+"interpreter/bind/"+testNotebook,
		httpmock.NewStringResponder(500, " interpreter setting not found \n"))

	err := c.BindInterpreters(context.Background(), testNotebook, []string{"2C8A4Z9VK"})
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "PUT", reqErr.Method)
	assert.Equal(t, "interpreter/bind/"+testNotebook, reqErr.Path)
	assert.Equal(t, 500, reqErr.StatusCode)
	assert.Equal(t, "interpreter setting not found", reqErr.Body)
}

func TestJobStatusMalformedBody(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", testBase+"job/"+testNotebook,
		httpmock.NewStringResponder(200, "<html>proxy error</html>"))

	_, err := c.JobStatus(context.Background(), testNotebook)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.Equal(t, 0, StatusCode(err))
}

func TestParagraphErrors(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", testBase+testNotebook+"/paragraph/20160325-221046_1931409836",
		httpmock.NewStringResponder(200, fixture(t, "paragraph_error.json")))

	var listing struct {
		Body []ParagraphStatus `json:"body"`
	}
	require.NoError(t, json.Unmarshal([]byte(fixture(t, "job_error.json")), &listing))

	errs, err := c.ParagraphErrors(context.Background(), testNotebook, listing.Body)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "20160325-221046_1931409836", errs[0].ParagraphID)
	assert.Equal(t, "org.apache.hadoop.security.AccessControlException: Permission denied: user=zeppelin", errs[0].Message)
}
