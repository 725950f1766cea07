package cache

import (
	"context"
	"testing"
	"time"
)

func TestLocalFacadeSetGetDel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewLocalFacade("")

	if err := f.Set(ctx, "k1", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := f.Get(ctx, "k1")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("Get=%q ok=%v err=%v want=v1,true,nil", v, ok, err)
	}

	if err := f.Del(ctx, "k1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	_, ok, _ = f.Get(ctx, "k1")
	if ok {
		t.Fatal("Get after Del: still present")
	}
}

func TestLocalFacadeSetExExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewLocalFacade("")

	if err := f.SetEx(ctx, "tok", "true", 20*time.Millisecond); err != nil {
		t.Fatalf("SetEx: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	_, ok, _ := f.Get(ctx, "tok")
	if ok {
		t.Fatal("key should have expired")
	}
}

func TestLocalFacadeSetPreservesPriorExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewLocalFacade("")

	if err := f.SetEx(ctx, "k", "v1", 20*time.Millisecond); err != nil {
		t.Fatalf("SetEx: %v", err)
	}
	if err := f.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	_, ok, _ := f.Get(ctx, "k")
	if ok {
		t.Fatal("Set must preserve the prior expiry, key should have expired")
	}
}

func TestLocalFacadeScanStreamPrefixMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewLocalFacade("")

	_ = f.Set(ctx, "REVOK_TOK_abc", "true")
	_ = f.Set(ctx, "REVOK_TOK_def", "true")
	_ = f.Set(ctx, "SESSION_xyz", `{}`)

	ch, err := f.ScanStream(ctx, "REVOK_TOK_*", 100)
	if err != nil {
		t.Fatalf("ScanStream: %v", err)
	}
	var got []string
	for e := range ch {
		got = append(got, e.Key)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches want 2: %v", len(got), got)
	}
}

func TestGetObjectAndSetObjectRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewLocalFacade("")

	type payload struct {
		Name string `json:"name"`
	}
	in := payload{Name: "John"}
	if err := SetObject(ctx, f, "k", in); err != nil {
		t.Fatalf("SetObject: %v", err)
	}

	var out payload
	ok, err := GetObject(ctx, f, "k", &out)
	if err != nil || !ok {
		t.Fatalf("GetObject ok=%v err=%v", ok, err)
	}
	if out != in {
		t.Fatalf("got=%+v want=%+v", out, in)
	}
}

func TestGetBool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewLocalFacade("")

	_ = f.Set(ctx, "flag", "true")
	b, err := GetBool(ctx, f, "flag")
	if err != nil || !b {
		t.Fatalf("GetBool=%v err=%v want true", b, err)
	}

	b, err = GetBool(ctx, f, "missing")
	if err != nil || b {
		t.Fatalf("GetBool(missing)=%v err=%v want false", b, err)
	}
}
