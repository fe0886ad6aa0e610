package util

import (
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestCheckPwd(t *testing.T) {
	h, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if !CheckPwd(string(h), "secret") || CheckPwd(string(h), "nope") {
		t.Error()
	}
}

func TestJsonError(t *testing.T) {
	w := httptest.NewRecorder()
	JsonError(w, 404, "missing")
	if w.Code != 404 || w.Body.String() != "{\"error\":\"missing\"}\n" {
		t.Error(w.Code, w.Body.String())
	}
}

func TestGenUUID(t *testing.T) {
	if len(GenUUID()) != 36 || GenUUID() == GenUUID() {
		t.Error()
	}
}
