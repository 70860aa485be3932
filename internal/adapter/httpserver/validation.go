package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New()
		// Report issues under the wire field names, not Go field names.
		vld.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return vld
}

// validateStruct runs the DTO's struct tags and returns the full issue list.
func validateStruct(v any) []domain.Issue {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []domain.Issue{{Field: "body", Code: "invalid", Message: err.Error()}}
	}
	issues := make([]domain.Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, domain.Issue{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: "failed " + fe.Tag() + " validation",
		})
	}
	return issues
}

// decodeJSON reads a JSON body into dst, capped at maxBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			return fmt.Errorf("op=http.decode: body exceeds %d bytes: %w", maxBytes, domain.ErrValidation)
		}
		return fmt.Errorf("op=http.decode: invalid json: %w", domain.ErrValidation)
	}
	return nil
}

// parseJobFilter reads the listJobs query parameters. Unknown statuses and
// malformed numbers come back as issues so the envelope names every problem.
func parseJobFilter(r *http.Request) (domain.JobFilter, []domain.Issue) {
	var (
		f      domain.JobFilter
		issues []domain.Issue
	)
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		if !domain.ValidJobStatus(s) {
			issues = append(issues, domain.Issue{Field: "status", Code: "invalid", Message: "unknown job status"})
		} else {
			st := domain.JobStatus(s)
			f.Status = &st
		}
	}
	if t := q.Get("type"); t != "" {
		f.Type = &t
	}
	f.Limit = 50
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 200 {
			issues = append(issues, domain.Issue{Field: "limit", Code: "out_of_range", Message: "limit must be between 1 and 200"})
		} else {
			f.Limit = n
		}
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			issues = append(issues, domain.Issue{Field: "offset", Code: "out_of_range", Message: "offset must be >= 0"})
		} else {
			f.Offset = n
		}
	}
	return f, issues
}
