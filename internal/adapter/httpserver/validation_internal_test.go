package httpserver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

func TestValidateStructUsesWireNames(t *testing.T) {
	t.Parallel()
	type dto struct {
		TenantID string `json:"tenant_id" validate:"required"`
		Mode     string `json:"mode" validate:"required,oneof=dry_run execute"`
	}
	issues := validateStruct(dto{Mode: "later"})
	require.Len(t, issues, 2)
	byField := map[string]domain.Issue{}
	for _, is := range issues {
		byField[is.Field] = is
	}
	require.Equal(t, "required", byField["tenant_id"].Code)
	require.Equal(t, "oneof", byField["mode"].Code)
}

func TestValidateStructPasses(t *testing.T) {
	t.Parallel()
	type dto struct {
		TenantID string `json:"tenant_id" validate:"required"`
	}
	require.Empty(t, validateStruct(dto{TenantID: "t1"}))
}

func TestDecodeJSONRejectsOversizedBody(t *testing.T) {
	t.Parallel()
	big := `{"pad":"` + strings.Repeat("x", 128) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(big))
	w := httptest.NewRecorder()
	var dst map[string]any
	err := decodeJSON(w, r, &dst, 64)
	require.ErrorIs(t, err, domain.ErrValidation)
	require.Contains(t, err.Error(), "exceeds")
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"a":`))
	w := httptest.NewRecorder()
	var dst map[string]any
	err := decodeJSON(w, r, &dst, 1024)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestParseJobFilterDefaults(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs?tenant_id=t1", nil)
	f, issues := parseJobFilter(r)
	require.Empty(t, issues)
	require.Nil(t, f.Status)
	require.Nil(t, f.Type)
	require.Equal(t, 50, f.Limit)
	require.Equal(t, 0, f.Offset)
}

func TestParseJobFilterFull(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs?tenant_id=t1&status=running&type=report_generate&limit=10&offset=20", nil)
	f, issues := parseJobFilter(r)
	require.Empty(t, issues)
	require.Equal(t, domain.JobRunning, *f.Status)
	require.Equal(t, "report_generate", *f.Type)
	require.Equal(t, 10, f.Limit)
	require.Equal(t, 20, f.Offset)
}

func TestParseJobFilterIssues(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs?status=bogus&limit=0&offset=-3", nil)
	_, issues := parseJobFilter(r)
	require.Len(t, issues, 3)
	fields := map[string]string{}
	for _, is := range issues {
		fields[is.Field] = is.Code
	}
	require.Equal(t, "invalid", fields["status"])
	require.Equal(t, "out_of_range", fields["limit"])
	require.Equal(t, "out_of_range", fields["offset"])
}
