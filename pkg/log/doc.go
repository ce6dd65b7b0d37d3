// Package log provides the structured logging setup shared by the jot CLI
// and the storage engine, built on logrus.
package log
