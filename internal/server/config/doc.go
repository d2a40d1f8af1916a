// Package config defines the keepermesh-server configuration
// structure, its defaults and verification.
package config
