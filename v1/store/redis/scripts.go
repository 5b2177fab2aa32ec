package redis

import redis "github.com/redis/go-redis/v9"

// Node keys are derived inside the scripts because sequential creates only
// learn their final name there. The layout therefore assumes a single Redis
// node, not a cluster.

// createScript: ARGV prefix, path, parent, data, ephemeral, sequential,
// session, now (ms), acl. Returns the created path.
var createScript = redis.NewScript(`
local prefix, path, parent, data = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local ephemeral, sequential = ARGV[5] == "1", ARGV[6] == "1"
local session, now, acl = ARGV[7], ARGV[8], ARGV[9]
if redis.call("EXISTS", prefix .. "s:" .. session) == 0 then
  return redis.error_reply("SESSION_EXPIRED")
end
local pkey = prefix .. "n:" .. parent
if redis.call("EXISTS", pkey) == 0 then
  return redis.error_reply("NO_NODE")
end
local powner = redis.call("HGET", pkey, "owner")
if powner and powner ~= "" then
  return redis.error_reply("EPHEMERAL_PARENT")
end
if sequential then
  local seq = tostring(redis.call("HINCRBY", pkey, "seq", 1) - 1)
  path = path .. string.rep("0", 10 - string.len(seq)) .. seq
end
local key = prefix .. "n:" .. path
if redis.call("EXISTS", key) == 1 then
  return redis.error_reply("NODE_EXISTS")
end
local owner = ""
if ephemeral then
  owner = session
end
redis.call("HSET", key, "data", data, "version", 0, "cversion", 0, "seq", 0,
  "owner", owner, "acl", acl, "ctime", now, "mtime", now)
redis.call("SADD", prefix .. "c:" .. parent, string.match(path, "[^/]+$"))
redis.call("HINCRBY", pkey, "cversion", 1)
if ephemeral then
  redis.call("SADD", prefix .. "e:" .. session, path)
end
return path
`)

// deleteScript: ARGV prefix, path, parent, version, session. An empty
// session skips the liveness check, which the reaper relies on.
var deleteScript = redis.NewScript(`
local prefix, path, parent = ARGV[1], ARGV[2], ARGV[3]
local version, session = tonumber(ARGV[4]), ARGV[5]
if session ~= "" and redis.call("EXISTS", prefix .. "s:" .. session) == 0 then
  return redis.error_reply("SESSION_EXPIRED")
end
local key = prefix .. "n:" .. path
if redis.call("EXISTS", key) == 0 then
  return redis.error_reply("NO_NODE")
end
if version ~= -1 and tonumber(redis.call("HGET", key, "version")) ~= version then
  return redis.error_reply("BAD_VERSION")
end
if redis.call("SCARD", prefix .. "c:" .. path) > 0 then
  return redis.error_reply("NOT_EMPTY")
end
local owner = redis.call("HGET", key, "owner")
redis.call("DEL", key)
redis.call("SREM", prefix .. "c:" .. parent, string.match(path, "[^/]+$"))
redis.call("HINCRBY", prefix .. "n:" .. parent, "cversion", 1)
if owner and owner ~= "" then
  redis.call("SREM", prefix .. "e:" .. owner, path)
end
return 1
`)
