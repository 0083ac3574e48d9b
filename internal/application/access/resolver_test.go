package access

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-knowledge-assistant/internal/domain/entity"
)

type fakeUserRepo struct {
	users map[string]*entity.User
}

func (f *fakeUserRepo) Create(ctx context.Context, user *entity.User) error { return nil }

func (f *fakeUserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeUserRepo) Update(ctx context.Context, user *entity.User) error { return nil }

type fakeMembershipRepo struct {
	byUser map[string][]string
	all    []string
}

func (f *fakeMembershipRepo) AddMember(ctx context.Context, m *entity.ProjectMember) error {
	f.byUser[m.UserID] = append(f.byUser[m.UserID], m.ProjectID)
	return nil
}

func (f *fakeMembershipRepo) RemoveMember(ctx context.Context, projectID, userID string) error {
	kept := f.byUser[userID][:0]
	for _, id := range f.byUser[userID] {
		if id != projectID {
			kept = append(kept, id)
		}
	}
	f.byUser[userID] = kept
	return nil
}

func (f *fakeMembershipRepo) ListProjectIDsByUser(ctx context.Context, userID string) ([]string, error) {
	return f.byUser[userID], nil
}

func (f *fakeMembershipRepo) ListAllProjectIDs(ctx context.Context) ([]string, error) {
	return f.all, nil
}

func (f *fakeMembershipRepo) ListMembers(ctx context.Context, projectID string) ([]*entity.ProjectMember, error) {
	return nil, nil
}

// countingCache 记录加载次数与 TTL 的内存缓存
type countingCache struct {
	data    map[string][]byte
	loads   int
	lastTTL time.Duration
	deleted []string
}

func newCountingCache() *countingCache {
	return &countingCache{data: map[string][]byte{}}
}

func (c *countingCache) GetOrLoadSafe(ctx context.Context, key string, ttl time.Duration, loader func() (interface{}, error)) ([]byte, error) {
	c.lastTTL = ttl
	if v, ok := c.data[key]; ok {
		return v, nil
	}
	c.loads++
	val, err := loader()
	if err != nil {
		return nil, err
	}
	bytes, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	c.data[key] = bytes
	return bytes, nil
}

func (c *countingCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		c.deleted = append(c.deleted, k)
		delete(c.data, k)
	}
	return nil
}

func userWithRole(id string, role entity.UserRole) *entity.User {
	u := entity.NewUser(id+"@example.com", "user-"+id)
	u.ID = id
	u.Role = role
	return u
}

func TestResolver_ResolveScopeTags(t *testing.T) {
	ctx := context.Background()

	users := &fakeUserRepo{users: map[string]*entity.User{
		"u1":    userWithRole("u1", entity.UserRoleUser),
		"u2":    userWithRole("u2", entity.UserRoleUser),
		"admin": userWithRole("admin", entity.UserRoleAdmin),
		"guest": userWithRole("guest", entity.UserRoleGuest),
	}}
	memberships := &fakeMembershipRepo{
		byUser: map[string][]string{
			"u1": {"p2", "p1"},
			"u2": {},
		},
		all: []string{"p3", "p1", "p2"},
	}

	t.Run("普通用户获得全局加本人加成员项目范围", func(t *testing.T) {
		r := NewResolver(users, memberships, nil, 0)

		tags, err := r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"global", "personal:u1", "project:p1", "project:p2"}, tags)
	})

	t.Run("无项目成员关系时仅有全局与本人范围", func(t *testing.T) {
		r := NewResolver(users, memberships, nil, 0)

		tags, err := r.ResolveScopeTags(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, []string{"global", "personal:u2"}, tags)
	})

	t.Run("管理员获得全部项目范围但不含他人个人范围", func(t *testing.T) {
		r := NewResolver(users, memberships, nil, 0)

		tags, err := r.ResolveScopeTags(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, []string{"global", "personal:admin", "project:p1", "project:p2", "project:p3"}, tags)
		assert.NotContains(t, tags, "personal:u1")
		assert.NotContains(t, tags, "personal:u2")
	})

	t.Run("访客仅有全局与本人范围", func(t *testing.T) {
		r := NewResolver(users, memberships, nil, 0)

		tags, err := r.ResolveScopeTags(ctx, "guest")
		require.NoError(t, err)
		assert.Equal(t, []string{"global", "personal:guest"}, tags)
	})

	t.Run("未知用户返回错误", func(t *testing.T) {
		r := NewResolver(users, memberships, nil, 0)

		_, err := r.ResolveScopeTags(ctx, "nobody")
		assert.Error(t, err)
	})
}

func TestResolver_Cache(t *testing.T) {
	ctx := context.Background()

	users := &fakeUserRepo{users: map[string]*entity.User{
		"u1": userWithRole("u1", entity.UserRoleUser),
	}}
	memberships := &fakeMembershipRepo{byUser: map[string][]string{"u1": {"p1"}}}

	t.Run("命中缓存时不重复解析", func(t *testing.T) {
		cache := newCountingCache()
		r := NewResolver(users, memberships, cache, 10*time.Second)

		first, err := r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)
		second, err := r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, cache.loads)
	})

	t.Run("缓存使用配置的短有效期", func(t *testing.T) {
		cache := newCountingCache()
		r := NewResolver(users, memberships, cache, 10*time.Second)

		_, err := r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, cache.lastTTL)
	})

	t.Run("未配置有效期时使用默认值", func(t *testing.T) {
		cache := newCountingCache()
		r := NewResolver(users, memberships, cache, 0)

		_, err := r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, DefaultGrantTTL, cache.lastTTL)
	})

	t.Run("成员关系变更后立即可见", func(t *testing.T) {
		cache := newCountingCache()
		members := &fakeMembershipRepo{byUser: map[string][]string{"u1": {"p1"}}}
		r := NewResolver(users, members, cache, 10*time.Second)

		tags, err := r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)
		assert.NotContains(t, tags, "project:p2")

		require.NoError(t, r.AddProjectMember(ctx, "p2", "u1", entity.MemberRoleViewer))
		tags, err = r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)
		assert.Contains(t, tags, "project:p2")

		require.NoError(t, r.RemoveProjectMember(ctx, "p2", "u1"))
		tags, err = r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)
		assert.NotContains(t, tags, "project:p2")
	})

	t.Run("失效后重新解析", func(t *testing.T) {
		cache := newCountingCache()
		r := NewResolver(users, memberships, cache, 10*time.Second)

		_, err := r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)
		require.NoError(t, r.Invalidate(ctx, "u1"))

		_, err = r.ResolveScopeTags(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, cache.loads)
		assert.Contains(t, cache.deleted, "access:scopes:u1")
	})
}
