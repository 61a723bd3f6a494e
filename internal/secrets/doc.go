// Package secrets provides AES-256-GCM sealing and opening of provider
// secrets, with ciphertext and nonce carried as base64 strings.
package secrets
