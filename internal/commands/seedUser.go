package commands

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hehehe1cracka/empathic-space-hub/internal/config"
)

// SeedUser creates an account through the running server's signup
// endpoint and prints the generated credentials.
func SeedUser(email string, cfg *config.Config) error {
	password, err := randomPassword()
	if err != nil {
		return err
	}

	name := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		name = email[:at]
	}

	reqBody, err := json.Marshal(map[string]string{
		"email":       email,
		"password":    password,
		"displayName": name,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/api/signup"
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call signup API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to create user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		UID string `json:"uid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Email:    %s\n", email)
	fmt.Printf("Password: %s\n", password)
	fmt.Printf("UserID:   %s\n\n", result.UID)
	return nil
}

func randomPassword() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
