package main

import (
	"os"
	"testing"
)

func TestIsLambdaEnvironment(t *testing.T) {
	os.Unsetenv("AWS_LAMBDA_RUNTIME_API")
	if isLambdaEnvironment() {
		t.Error("expected false when AWS_LAMBDA_RUNTIME_API is unset")
	}

	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:9001")
	if !isLambdaEnvironment() {
		t.Error("expected true when AWS_LAMBDA_RUNTIME_API is set")
	}
}
