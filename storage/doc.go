/*
Package storage maps a download's pieces onto files on disk.

An Engine is built from a content descriptor and a directory. Start allocates the files, one
download at a time through a shared allocation gate, then verifies pieces as a shared recheck
scheduler allows. Once Ready, the engine serves piece reads, writes and checks, and keeps per-file
byte counts consistent with piece completion.

File I/O, hashing and attribute persistence go through the FileIO, PieceChecker and
AttributeStore interfaces.
*/
package storage
