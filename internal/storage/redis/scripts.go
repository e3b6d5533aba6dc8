package redis

const (
	// putValueScript atomically writes a value and records its key in the index
	putValueScript = `
local value_key = KEYS[1]     -- {prefix}{name}
local index_key = KEYS[2]     -- {prefix}__index

local name = ARGV[1]
local value = ARGV[2]

redis.call('SET', value_key, value)
redis.call('SADD', index_key, name)

return 'OK'
`

	// deleteValueScript atomically removes a value and its index entry.
	// Returns 1 if the value existed, 0 otherwise.
	deleteValueScript = `
local value_key = KEYS[1]     -- {prefix}{name}
local index_key = KEYS[2]     -- {prefix}__index

local name = ARGV[1]

local removed = redis.call('DEL', value_key)
redis.call('SREM', index_key, name)

return removed
`
)
