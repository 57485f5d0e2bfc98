package hasher

import "testing"

func TestSum(t *testing.T) {
	d := Sum([]byte("hello world"))
	if got, want := d.MD5, "5eb63bbbe01eeed093cb22bb8f5acdc3"; got != want {
		t.Errorf("MD5=%q, want %q", got, want)
	}
	if got, want := d.SHA256, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"; got != want {
		t.Errorf("SHA256=%q, want %q", got, want)
	}
}

func TestEmpty(t *testing.T) {
	d := Sum(nil)
	if got, want := d.MD5, "d41d8cd98f00b204e9800998ecf8427e"; got != want {
		t.Errorf("MD5(empty)=%q, want %q", got, want)
	}
	if got, want := d.SHA256, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"; got != want {
		t.Errorf("SHA256(empty)=%q, want %q", got, want)
	}
}

func TestETag(t *testing.T) {
	if got, want := ETag([]byte("hi")), `"49f68a5c8493ec2c0bf489821c21fc3b"`; got != want {
		t.Errorf("ETag=%s, want %s", got, want)
	}
}
