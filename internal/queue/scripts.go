package queue

import "github.com/redis/go-redis/v9"

// Every multi-key transition runs as a single script so that concurrent
// workers and schedulers in other processes never observe a job in two
// places at once.

// KEYS: jobs, target zset. ARGV: id, body, score.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: main, inflight, jobs. ARGV: visibility deadline.
// Returns nil when main is empty, {id} for an orphaned id with no body,
// and {id, body} for a claimed job.
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local body = redis.call('HGET', KEYS[3], id)
if not body then
  return {id}
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return {id, body}
`)

// KEYS: inflight, jobs, target, main, delayed. ARGV: id, body, score.
// Refuses (returns 0) when the job is not claimed and already waiting in
// main or delayed, e.g. after a reclaim raced the requeue.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  if redis.call('ZSCORE', KEYS[4], ARGV[1]) or redis.call('ZSCORE', KEYS[5], ARGV[1]) then
    return 0
  end
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: from, main. ARGV: id, score.
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: deadletter, jobs, main. ARGV: raw entry, id, new body, score.
// Returns -1 if the id is still live, 0 if the entry is gone, 1 on replay.
var replayScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
  return -1
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)
