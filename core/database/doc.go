/*
Package database implements the database REST proxy

The proxy executes ad-hoc SQL statements over pooled connections. A request
names its database in one of three ways: the config database, the database
assigned to a context, or an explicit pair of read and write pools with a
schema. Read-only requests are served by the read pool, writable requests by
the write pool.

Statements

A text/plain body is a single statement, its result is named "result". A JSON
body is a map of named statements:

	{
	  "a_users": "SELECT * FROM users",
	  "b_insert": {
	    "query": "INSERT INTO users(name) VALUES($1)",
	    "params": ["alice"],
	    "generated_keys": true
	  }
	}

Statements are executed in lexical order of their names. On writable routes all
statements of a request run in one transaction.

This creates the following REST routes, all PUT with a statement body:
	/database/v1/configdb/{readOnly|writable}
	/database/v1/context/{context}/{readOnly|writable}
	/database/v1/pool/r/{read}/w/{write}/{schema}/{readOnly|writable}
	/database/v1/transaction/{tx}

Transactions

With the query parameter keep_open=true the transaction stays open after the
request and the response carries its id in the header X-Db-Transaction. More
statements go to /transaction/{tx}, the transaction ends with
	PUT /database/v1/transaction/{tx}/commit
	PUT /database/v1/transaction/{tx}/rollback
Held transactions which stay idle for longer than the transaction timeout are
rolled back. A statement error in a held transaction rolls it back as well.

Versions and migrations

Every schema knows a version per module. A request with the headers
X-Db-Module and X-Db-Version fails with 409 Conflict unless the module is at
that version. Migrations are serialized by a lock per module:
	PUT /database/v1/migration/context/{context}/from/{from}/to/{to}/module/{module}
	PUT /database/v1/migration/context/{context}/to/{to}/module/{module}
	PUT /database/v1/migration/context/{context}/unlock/module/{module}
and the same below /migration/pool/r/{read}/w/{write}/{schema}. The second
form migrates a module which has no version yet. A migration which finds the
module locked fails with 423 Locked. If the proxy has a notifier, every
committed migration is published as an event.

Administration

	PUT /database/v1/init/w/{write}/{schema}
	GET /database/v1/contexts
	GET|PUT|DELETE /database/v1/contexts/{context}
	GET /database/v1/health
*/
package database
