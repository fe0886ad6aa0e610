package util

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func JsonWrite(w http.ResponseWriter, v interface{}) {
	JsonWriteStatus(w, http.StatusOK, v)
}

func JsonWriteStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		panic(err)
	}
}

func JsonError(w http.ResponseWriter, status int, msg string) {
	JsonWriteStatus(w, status, map[string]string{"error": msg})
}

func CryptPwd(password string) string {
	x, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		panic(err)
	}
	return string(x)
}

func CheckPwd(hash string, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func GenUUID() string {
	x, err := uuid.NewRandom()
	if err != nil {
		panic(err)
	}
	return x.String()
}
