/*
Package invoke launches ephemeral workers on AWS Lambda.

Each launch is a SigV4-signed HTTPS POST against the regional Lambda
invocation endpoint, fired as an Event (asynchronous) invocation with log
capture disabled. The request body carries the coordinator's listen address
and the storage backend URI; a launched worker dials the coordinator back
over the worker wire protocol, which is the only success signal the engine
relies on.
*/
package invoke
