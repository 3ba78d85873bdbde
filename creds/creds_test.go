package creds

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	crd, err := Load("testdata/credentials.json")
	if err != nil {
		t.Fatal(err)
	}

	if crd.InstanceURL != "https://example-dev-ed.my.salesforce.com" {
		t.Fatalf("Unexpected instance url %s", crd.InstanceURL)
	}
	if crd.Token == "" {
		t.Fatal("Expected a token")
	}
	if crd.ConnectTimeout() != 5*time.Second {
		t.Fatalf("Expected connect timeout 5s, got %s", crd.ConnectTimeout())
	}
	if crd.ClientTimeout() != 30*time.Second {
		t.Fatalf("Expected client timeout 30s, got %s", crd.ClientTimeout())
	}
	if crd.DownloadTimeout() != 10*time.Minute {
		t.Fatalf("Expected download timeout 10m, got %s", crd.DownloadTimeout())
	}
}

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	doc := `{"instance_url": "https://example.my.salesforce.com", "token": "sometoken"}`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	crd, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if crd.ConnectTimeoutSec != DefaultConnectTimeoutSec {
		t.Fatalf("Expected default connect timeout, got %d", crd.ConnectTimeoutSec)
	}
	if crd.ClientTimeoutSec != DefaultClientTimeoutSec {
		t.Fatalf("Expected default client timeout, got %d", crd.ClientTimeoutSec)
	}
	if crd.DownloadTimeoutSec != DefaultDownloadTimeoutSec {
		t.Fatalf("Expected default download timeout, got %d", crd.DownloadTimeoutSec)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"missing instance_url": `{"token": "sometoken"}`,
		"missing token":        `{"instance_url": "https://example.my.salesforce.com"}`,
		"garbage":              `{"instance_url": `,
	}

	for name, doc := range cases {
		path := filepath.Join(t.TempDir(), "credentials.json")
		if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("Expected an error for %s", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("no-such-credentials.json"); err == nil {
		t.Fatal("Expected an error for a missing credentials file")
	}
}
