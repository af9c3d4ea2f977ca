// Package redis provides the shared Redis client used for relayer nonce
// coordination and the deployment job queue. Connectivity is verified at
// startup so misconfiguration fails fast instead of at first allocation.
package redis
