package cmd

import (
	"bytes"
	"testing"
)

func TestVersionCommandOutput(t *testing.T) {
	originalVersion := rootCmd.Version
	defer func() { rootCmd.Version = originalVersion }()
	rootCmd.Version = "1.2.3-test"

	versionCmd := newVersionCmd()
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, []string{})

	expected := "octopus-mcp version 1.2.3-test\n"
	if buf.String() != expected {
		t.Errorf("Expected output %q, got %q", expected, buf.String())
	}
}

func TestServeCommandWiring(t *testing.T) {
	if serveCmd.RunE == nil {
		t.Fatal("Expected serve to have a RunE function")
	}
	if serveCmd.Use != "serve" {
		t.Errorf("Expected Use to be 'serve', got %s", serveCmd.Use)
	}
}
