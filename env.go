// FILE: env.go
// Package main – Environment helpers and .env hydration.
//
// Small helpers to read environment variables with sane defaults (strings,
// ints, floats, bools), plus loadHarnessEnv() which hydrates the process
// environment from ./.env via godotenv so runs can be tuned without shell
// exports. Existing environment variables always win over file values.

package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// loadHarnessEnv hydrates the environment from .env in the working directory
// (and its parent, for running from a subdir). Missing files are fine;
// godotenv never overrides variables already set.
func loadHarnessEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
}
