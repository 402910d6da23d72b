package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/authzkit/decision"
)

// RedisAssignmentReplicator mirrors user->role grants into Redis sets
// (key: roleassign:{userID}) so out-of-process consumers can read membership
// without calling into the engine.
type RedisAssignmentReplicator struct {
	client *redis.Client
	keyFmt string
}

func NewRedisAssignmentReplicator(client *redis.Client) *RedisAssignmentReplicator {
	return &RedisAssignmentReplicator{client: client, keyFmt: "roleassign:%s"}
}

func (r *RedisAssignmentReplicator) key(userID string) string {
	return fmt.Sprintf(r.keyFmt, userID)
}

func (r *RedisAssignmentReplicator) AssignRole(ctx context.Context, userID, roleID string) error {
	return r.client.SAdd(ctx, r.key(userID), roleID).Err()
}

func (r *RedisAssignmentReplicator) RevokeRole(ctx context.Context, userID, roleID string) error {
	return r.client.SRem(ctx, r.key(userID), roleID).Err()
}

// Roles lists the mirrored role ids for a user.
func (r *RedisAssignmentReplicator) Roles(ctx context.Context, userID string) ([]string, error) {
	return r.client.SMembers(ctx, r.key(userID)).Result()
}

var _ decision.AssignmentReplicator = (*RedisAssignmentReplicator)(nil)
