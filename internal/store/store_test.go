package store

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func okEntry(body string) Entry {
	return NewEntry("", http.StatusOK, http.Header{"Content-Type": {"text/plain"}}, []byte(body), t0)
}

// backends runs fn against every backend implementation; S3 talks to an
// in-process fake.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory(0, nil))
	})
	t.Run("leveldb", func(t *testing.T) {
		d, err := OpenLevelDB(t.TempDir(), 0, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })
		fn(t, d)
	})
	t.Run("tiered", func(t *testing.T) {
		d, err := OpenLevelDB(t.TempDir(), 0, nil)
		require.NoError(t, err)
		tb := NewTiered(NewMemory(0, nil), d)
		t.Cleanup(func() { _ = tb.Close() })
		fn(t, tb)
	})
	t.Run("s3", func(t *testing.T) {
		s, _ := newFakeS3(t)
		fn(t, s)
	})
}

func TestNameRoundTrip(t *testing.T) {
	n := Name{Role: RoleImage, Version: 12}
	assert.Equal(t, "image-v12", n.String())

	got, ok := ParseName("image-v12")
	require.True(t, ok)
	assert.Equal(t, n, got)

	got, ok = ParseName("legacy-cache-v3")
	require.True(t, ok)
	assert.Equal(t, Role("legacy-cache"), got.Role)
	assert.False(t, got.Role.Known())

	for _, bad := range []string{"static", "-v1", "static-vx", "static-v-1", "a/b-v1"} {
		_, ok := ParseName(bad)
		assert.False(t, ok, bad)
	}
}

func TestRequestKey(t *testing.T) {
	u, _ := url.Parse("HTTP://Shop.Example.com/api/orders.php?b=2&a=1#frag")
	assert.Equal(t, "GET http://shop.example.com/api/orders.php?a=1&b=2", RequestKey("get", u))

	u, _ = url.Parse("/css/style.css")
	assert.Equal(t, "GET /css/style.css", RequestKey("", u))
}

func TestNewEntryKeepsReplayHeaders(t *testing.T) {
	h := http.Header{
		"Content-Type":  {"image/png"},
		"Etag":          {`"abc"`},
		"Set-Cookie":    {"session=1"},
		"Cache-Control": {"max-age=60"},
	}
	body := []byte("png")
	e := NewEntry("GET /a.png", 200, h, body, t0)
	body[0] = 'x'

	assert.Equal(t, "image/png", e.Header.Get("Content-Type"))
	assert.Equal(t, `"abc"`, e.Header.Get("ETag"))
	assert.Equal(t, "max-age=60", e.Header.Get("Cache-Control"))
	assert.Empty(t, e.Header.Get("Set-Cookie"))
	assert.Equal(t, "png", string(e.Body))
}

func TestBackendPutMatch(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s, err := b.Open(ctx, Name{RoleDynamic, 1})
		require.NoError(t, err)

		_, ok, err := s.Match(ctx, "GET /missing")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Put(ctx, "GET /a", okEntry("one")))
		got, ok, err := s.Match(ctx, "GET /a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "one", string(got.Body))
		assert.Equal(t, "GET /a", got.Key)
		assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

		require.NoError(t, s.Put(ctx, "GET /a", okEntry("two")))
		got, _, _ = s.Match(ctx, "GET /a")
		assert.Equal(t, "two", string(got.Body))

		require.NoError(t, s.Delete(ctx, "GET /a"))
		_, ok, _ = s.Match(ctx, "GET /a")
		assert.False(t, ok)
	})
}

func TestBackendRejectsErrorResponses(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s, err := b.Open(ctx, Name{RoleDynamic, 1})
		require.NoError(t, err)

		for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusNotModified} {
			e := NewEntry("", status, http.Header{}, []byte("err"), t0)
			err := s.Put(ctx, "GET /x", e)
			assert.ErrorIs(t, err, ErrUncacheable)
		}
		_, ok, _ := s.Match(ctx, "GET /x")
		assert.False(t, ok)
	})
}

func TestBackendOpenIsIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		name := Name{RoleStatic, 2}
		s1, err := b.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, s1.Put(ctx, "GET /", okEntry("root")))

		s2, err := b.Open(ctx, name)
		require.NoError(t, err)
		got, ok, err := s2.Match(ctx, "GET /")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "root", string(got.Body))

		names, err := b.ListStoreNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Name{name}, names)
	})
}

func TestBackendDeleteStore(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		old := Name{RoleStatic, 1}
		cur := Name{RoleStatic, 2}
		img := Name{RoleImage, 1}

		for _, n := range []Name{old, cur, img} {
			s, err := b.Open(ctx, n)
			require.NoError(t, err)
			require.NoError(t, s.Put(ctx, "GET /k", okEntry(n.String())))
		}

		names, err := b.ListStoreNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Name{img, old, cur}, names)

		existed, err := b.DeleteStore(ctx, old)
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = b.DeleteStore(ctx, old)
		require.NoError(t, err)
		assert.False(t, existed)

		names, err = b.ListStoreNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Name{img, cur}, names)

		s, _ := b.Open(ctx, cur)
		got, ok, _ := s.Match(ctx, "GET /k")
		require.True(t, ok)
		assert.Equal(t, "static-v2", string(got.Body))
	})
}

func TestBackendDeletedHandleDoesNotResurrect(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		name := Name{RoleImage, 4}
		s, err := b.Open(ctx, name)
		require.NoError(t, err)

		_, err = b.DeleteStore(ctx, name)
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, "GET /late.png", okEntry("late")))
		names, err := b.ListStoreNames(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, name)
	})
}

func TestBackendConcurrentPutsSameKey(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s, err := b.Open(ctx, Name{RoleImage, 1})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Put(ctx, "GET /logo.png", okEntry(fmt.Sprintf("v%02d", i))))
			}(i)
		}
		wg.Wait()

		got, ok, err := s.Match(ctx, "GET /logo.png")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, got.Body, 3)
		assert.Equal(t, byte('v'), got.Body[0])
	})
}

func TestMemoryEvictsLeastRecentlyUsedNonStatic(t *testing.T) {
	ctx := context.Background()
	one := okEntry("0123456789")
	m := NewMemory(one.size()*3+len64("GET /x")*3, nil)

	static, _ := m.Open(ctx, Name{RoleStatic, 1})
	dyn, _ := m.Open(ctx, Name{RoleDynamic, 1})

	require.NoError(t, static.Put(ctx, "GET /s", one))
	require.NoError(t, dyn.Put(ctx, "GET /a", one))
	require.NoError(t, dyn.Put(ctx, "GET /b", one))
	_, _, _ = dyn.Match(ctx, "GET /a")
	require.NoError(t, dyn.Put(ctx, "GET /c", one))

	_, ok, _ := static.Match(ctx, "GET /s")
	assert.True(t, ok, "static entry kept")
	_, ok, _ = dyn.Match(ctx, "GET /b")
	assert.False(t, ok, "least recently used dynamic entry evicted")
	_, ok, _ = dyn.Match(ctx, "GET /a")
	assert.True(t, ok)
	assert.LessOrEqual(t, m.TotalSize(), m.maxBytes)

	big := okEntry(string(make([]byte, 1024)))
	assert.ErrorIs(t, dyn.Put(ctx, "GET /big", big), ErrTooLarge)
}

func len64(s string) int64 { return int64(len(s)) }

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := OpenLevelDB(dir, 0, nil)
	require.NoError(t, err)
	s, err := d.Open(ctx, Name{RoleStatic, 3})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "GET /offline.html", okEntry("offline")))
	size := d.TotalSize()
	require.NoError(t, d.Close())

	d, err = OpenLevelDB(dir, 0, nil)
	require.NoError(t, err)
	defer d.Close()

	names, err := d.ListStoreNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Name{{RoleStatic, 3}}, names)
	assert.Equal(t, size, d.TotalSize())

	s, err = d.Open(ctx, Name{RoleStatic, 3})
	require.NoError(t, err)
	got, ok, err := s.Match(ctx, "GET /offline.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "offline", string(got.Body))
	assert.Equal(t, t0, got.StoredAt)
}

func TestLevelDBEvictionSparesStatic(t *testing.T) {
	ctx := context.Background()
	d, err := OpenLevelDB(t.TempDir(), 1, nil)
	require.NoError(t, err)
	defer d.Close()

	static, _ := d.Open(ctx, Name{RoleStatic, 1})
	dyn, _ := d.Open(ctx, Name{RoleDynamic, 1})
	require.NoError(t, static.Put(ctx, "GET /offline.html", okEntry("offline")))
	require.NoError(t, dyn.Put(ctx, "GET /api/p", okEntry("p")))

	_, ok, _ := static.Match(ctx, "GET /offline.html")
	assert.True(t, ok)
	_, ok, _ = dyn.Match(ctx, "GET /api/p")
	assert.False(t, ok)
}

func TestTieredPromotesFromDurable(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemory(0, nil)
	l2 := NewMemory(0, nil)
	tb := NewTiered(l1, l2)
	name := Name{RoleDynamic, 1}

	s2, _ := l2.Open(ctx, name)
	require.NoError(t, s2.Put(ctx, "GET /p", okEntry("durable")))

	s, err := tb.Open(ctx, name)
	require.NoError(t, err)
	got, ok, err := s.Match(ctx, "GET /p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "durable", string(got.Body))

	s1, _ := l1.Open(ctx, name)
	_, ok, _ = s1.Match(ctx, "GET /p")
	assert.True(t, ok, "hit promoted to RAM")
}

func TestS3KeyLayout(t *testing.T) {
	s := &S3{bucket: "b", prefix: "cache"}
	name := Name{RoleStatic, 5}

	key := s.objectKey(name, "GET /")
	assert.Regexp(t, `^cache/static-v5/[0-9a-f]{64}$`, key)
	assert.Equal(t, key, s.objectKey(name, "GET /"))
	assert.NotEqual(t, key, s.objectKey(name, "GET /x"))

	got, ok := s.parsePrefix("cache/image-v2/")
	require.True(t, ok)
	assert.Equal(t, Name{RoleImage, 2}, got)

	bare := &S3{bucket: "b"}
	assert.Equal(t, "dynamic-v1/", bare.storePrefix(Name{RoleDynamic, 1}))
	got, ok = bare.parsePrefix("dynamic-v1/")
	require.True(t, ok)
	assert.Equal(t, Name{RoleDynamic, 1}, got)
}

func TestS3OpenWritesMarkerOnce(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeS3(t)
	name := Name{RoleDynamic, 3}

	for i := 0; i < 5; i++ {
		_, err := s.Open(ctx, name)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.putCount())

	names, err := s.ListStoreNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Name{name}, names)
}

func TestS3LateRefreshDoesNotRecreateDeletedStore(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeS3(t)
	old := Name{RoleStatic, 1}

	st, err := s.Open(ctx, old)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "GET /css/style.css", okEntry("v1")))

	_, err = s.DeleteStore(ctx, old)
	require.NoError(t, err)
	puts := fake.putCount()

	require.NoError(t, st.Put(ctx, "GET /css/style.css", okEntry("late")))
	assert.Equal(t, puts, fake.putCount())

	names, err := s.ListStoreNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
