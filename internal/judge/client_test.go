package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func judgmentServer(t *testing.T, verdictText string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Contents)

		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": verdictText}}}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestVerifyParsesVerdict(t *testing.T) {
	srv := judgmentServer(t, `{"verdict":"PASS","confidence_score":95,"release_funds":true,"reasoning":"meets criteria","risk_flags":[]}`)
	defer srv.Close()

	c := New(srv.URL, "test-key")
	v := c.Verify(context.Background(), Request{
		TransactionID:      "tx_1",
		ContractTerms:      "Build a factorial function",
		AcceptanceCriteria: []string{"Must return 120"},
		DeliveryContent:    "def factorial(n): ...",
	})

	assert.Equal(t, VerdictPass, v.Verdict)
	assert.Equal(t, 95, v.Confidence)
	assert.True(t, v.ReleaseFunds)
	assert.Equal(t, "tx_1", v.TransactionID)
}

func TestVerifyStripsCodeFences(t *testing.T) {
	fenced := "```json\n{\"verdict\":\"FAIL\",\"confidence_score\":40,\"release_funds\":false,\"reasoning\":\"broken\",\"risk_flags\":[\"LOGIC_ERROR\"]}\n```"
	srv := judgmentServer(t, fenced)
	defer srv.Close()

	c := New(srv.URL, "")
	v := c.Verify(context.Background(), Request{TransactionID: "tx_2"})

	assert.Equal(t, VerdictFail, v.Verdict)
	assert.Equal(t, 40, v.Confidence)
	assert.Equal(t, []string{"LOGIC_ERROR"}, v.RiskFlags)
}

func TestVerifyFailsClosedOnGarbage(t *testing.T) {
	srv := judgmentServer(t, "I am sorry, I cannot judge this delivery.")
	defer srv.Close()

	c := New(srv.URL, "")
	v := c.Verify(context.Background(), Request{TransactionID: "tx_3"})

	assert.Equal(t, VerdictFail, v.Verdict)
	assert.Equal(t, 0, v.Confidence)
	assert.False(t, v.ReleaseFunds)
	assert.Contains(t, v.RiskFlags, FlagParseError)
}

func TestVerifyFailsClosedOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	v := c.Verify(context.Background(), Request{TransactionID: "tx_4"})

	assert.Equal(t, VerdictFail, v.Verdict)
	assert.Contains(t, v.RiskFlags, FlagSystemError)

	srv.Close()
	v = c.Verify(context.Background(), Request{TransactionID: "tx_5"})
	assert.Equal(t, VerdictFail, v.Verdict)
	assert.Contains(t, v.RiskFlags, FlagSystemError)
}

func TestFormatPromptEscapesContent(t *testing.T) {
	prompt := formatPrompt(Request{
		TransactionID:      "tx_6",
		ContractTerms:      "terms",
		AcceptanceCriteria: []string{"criterion one"},
		DeliveryContent:    "line1\nline2 \"quoted\"",
	})

	assert.True(t, strings.Contains(prompt, `\n`), "newlines must be escaped")
	assert.True(t, strings.Contains(prompt, `\"quoted\"`), "quotes must be escaped")
	assert.Contains(t, prompt, `"transaction_id": "tx_6"`)
	assert.Contains(t, prompt, "criterion one")
}
