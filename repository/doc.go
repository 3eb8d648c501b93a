/*
Package repository implements the process-wide room registry and its
persistence layer. Rooms live in memory while sites are connected and are
offloaded to gzipped text snapshots under the data root otherwise. The
package also carries the two background loops driving periodic flushing,
connection GC and stale-snapshot purging, and follows the usual service
composition: a core service wrapped by logging and metrics middlewares.
*/
package repository
