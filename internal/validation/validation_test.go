package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"agr_0123456789abcdef01234567", true},
		{"auth0|5f7c8ec7c33c6c004bbafe82", true},
		{"user@example.com", true},
		{"platform", true},

		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{string(make([]byte, 129)), false},
	}

	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"nul\x00byte", 20, "nulbyte"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("title", ""),
		ValidID("payee_id", "ok_id"),
		PositiveCents("amount_cents", 0),
		ValidCurrency("currency", "usd"),
		OneOf("kind", "paypal", "card", "bank"),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "title: is required" {
		t.Errorf("unexpected first error: %s", errs.Error())
	}

	if errs := Validate(Required("title", "x"), PositiveCents("amount_cents", 100)); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestPositiveCents(t *testing.T) {
	tests := []struct {
		value int64
		ok    bool
	}{
		{1, true},
		{300000, true},
		{MaxAmountCents, true},
		{MaxAmountCents + 1, false},
		{0, false},
		{-5, false},
	}
	for _, tc := range tests {
		err := PositiveCents("amount", tc.value)()
		if (err == nil) != tc.ok {
			t.Errorf("PositiveCents(%d) error = %v, want ok=%v", tc.value, err, tc.ok)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("f", "abc", 3)(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := MaxLength("f", "abcd", 3)(); err == nil {
		t.Error("expected error for long value")
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/agreements/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agreements/agr_123", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agreements/bad%20id", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: got %d", w.Code)
	}
}
