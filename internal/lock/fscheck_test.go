package lock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		fsType  string
		detErr  error
		wantErr bool
	}{
		{name: "local ext4 magic", fsType: "0xef53"},
		{name: "local apfs", fsType: "apfs"},
		{name: "nfs", fsType: "nfs", wantErr: true},
		{name: "smbfs uppercase", fsType: "SMBFS", wantErr: true},
		{name: "detector unsupported", detErr: errors.New("unsupported")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := filepath.Join(t.TempDir(), "out")
			err := checkLocalFilesystemWithDetector(dir, func(string) (string, error) {
				return tc.fsType, tc.detErr
			})
			if tc.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr && !errors.Is(err, ErrNetworkFilesystem) {
				t.Fatalf("err = %v, want ErrNetworkFilesystem", err)
			}
		})
	}
}

func TestCheckUsesNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalFilesystemWithDetector(filepath.Join(root, "a", "b"), func(path string) (string, error) {
		inspected = path
		return "apfs", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want %q", inspected, root)
	}
}
