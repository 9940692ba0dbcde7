// Package tlsutil holds the hardened TLS settings (TLS 1.2+, AEAD cipher
// suites only) shared by the LLM provider client, the relay websocket dialer
// and the redis store.
package tlsutil
