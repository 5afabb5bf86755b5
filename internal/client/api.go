package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prateek-m/veilchat/internal/protocol"
)

type credentials struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
}

type authPayload struct {
	Auth  protocol.User `json:"auth"`
	Token string        `json:"token"`
}

type apiResponse struct {
	Data    json.RawMessage `json:"data"`
	Error   bool            `json:"error"`
	Message string          `json:"message"`
}

// Signup creates an account and returns the identity plus a session token.
func Signup(serverURL, email, name, password string) (protocol.User, string, error) {
	return postAuth(serverURL+"/api/signup", credentials{Email: email, Name: name, Password: password})
}

// Login authenticates an existing account.
func Login(serverURL, email, password string) (protocol.User, string, error) {
	return postAuth(serverURL+"/api/login", credentials{Email: email, Password: password})
}

func postAuth(endpoint string, creds credentials) (protocol.User, string, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return protocol.User{}, "", err
	}
	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return protocol.User{}, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.User{}, "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error {
		return protocol.User{}, "", errors.New(out.Message)
	}

	var payload authPayload
	if err := json.Unmarshal(out.Data, &payload); err != nil {
		return protocol.User{}, "", fmt.Errorf("decode auth payload: %w", err)
	}
	return payload.Auth, payload.Token, nil
}
