package stores

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisAssignmentReplicator(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rep := NewRedisAssignmentReplicator(client)
	ctx := context.Background()

	if err := rep.AssignRole(ctx, "user-1", "role-editor"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := rep.AssignRole(ctx, "user-1", "role-viewer"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	roles, err := rep.Roles(ctx, "user-1")
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	sort.Strings(roles)
	if len(roles) != 2 || roles[0] != "role-editor" || roles[1] != "role-viewer" {
		t.Fatalf("unexpected roles: %v", roles)
	}

	if err := rep.RevokeRole(ctx, "user-1", "role-editor"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	roles, err = rep.Roles(ctx, "user-1")
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "role-viewer" {
		t.Fatalf("revoke did not stick: %v", roles)
	}
}
