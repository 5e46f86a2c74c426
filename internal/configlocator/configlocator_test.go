package configlocator

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, root, rel string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("<plist/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocate(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"exact", []string{"EFI/OC/config.plist"}, "EFI/OC/config.plist"},
		{"lowercase", []string{"efi/oc/config.plist"}, "efi/oc/config.plist"},
		{"mixed case", []string{"Efi/Oc/Config.plist"}, "Efi/Oc/Config.plist"},
		{"fallback path", []string{"OC/config.plist"}, "OC/config.plist"},
		{"first path wins", []string{"OC/config.plist", "EFI/OC/config.plist"}, "EFI/OC/config.plist"},
		{"not found", []string{"EFI/BOOT/BOOTx64.efi"}, ""},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for _, f := range tt.files {
				touch(t, root, f)
			}

			got, ok := New(nil, nil).Locate(root)
			if tt.want == "" {
				if ok {
					t.Errorf("Locate() = %s, want not found", got)
				}
				return
			}
			want := filepath.Join(root, filepath.FromSlash(tt.want))
			if !ok || !sameFile(got, want) {
				t.Errorf("Locate() = %s, %v, want %s", got, ok, want)
			}
		})
	}
}

// sameFile tolerates case-insensitive temp directories.
func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func TestLocateSkipsDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "EFI", "OC", "config.plist"), 0o755); err != nil {
		t.Fatal(err)
	}
	want := touch(t, root, "OC/config.plist")

	got, ok := New(nil, nil).Locate(root)
	if !ok || got != want {
		t.Errorf("Locate() = %s, %v, want %s", got, ok, want)
	}
}

func TestLocateCustomPaths(t *testing.T) {
	root := t.TempDir()
	want := touch(t, root, "EFI/CLOVER/config.plist")

	got, ok := New([]string{"EFI/CLOVER/config.plist"}, nil).Locate(root)
	if !ok || got != want {
		t.Errorf("Locate() = %s, %v, want %s", got, ok, want)
	}
}

func TestLocateMissingMountpoint(t *testing.T) {
	if got, ok := New(nil, nil).Locate(filepath.Join(t.TempDir(), "gone")); ok {
		t.Errorf("Locate() = %s, want not found", got)
	}
}
