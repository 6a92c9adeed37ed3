package redis

// casWriteScript performs the compare-and-swap write. The caller passes
// the revision it read (0 for create); the script only writes when the
// stored revision still matches, and returns the new revision on success,
// -1 on mismatch.
const casWriteScript = `
local key = KEYS[1]            -- timewarden:state:{uuid}

local expected = tonumber(ARGV[1])
local data = ARGV[2]

local rev = tonumber(redis.call('HGET', key, 'rev') or '0')

if rev ~= expected then
  return -1
end

redis.call('HSET', key, 'data', data, 'rev', rev + 1)

return rev + 1
`
