package lock

import (
	"testing"

	"github.com/g2p/bedup/ioctl"
)

func TestZZDebug2(t *testing.T) {
	dir := t.TempDir()
	path, fi := writeFile(t, dir, "a", []byte("hello"))

	fake := ioctl.NewFake()
	l := &Locker{Iface: fake, ProcRoot: t.TempDir()}

	res, err := l.Lock([]Target{targetFor(1, path, fi)})
	if err != nil {
		t.Fatal(err)
	}
	h := res.Locked[0]
	t.Logf("WeSetImmutable after Lock=%v", h.WeSetImmutable)
	flags, _ := fake.GetFlags(int(h.File.Fd()))
	t.Logf("flags after Lock=%v immutable=%v", flags, flags&ioctl.FS_IMMUTABLE_FL)

	h.WeSetImmutable = false
	if err := l.Release(h); err != nil {
		t.Fatal(err)
	}
	flags, _ = fake.GetFlags(int(h.File.Fd()))
	t.Logf("flags after Release=%v immutable=%v", flags, flags&ioctl.FS_IMMUTABLE_FL)
}
