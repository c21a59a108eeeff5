// # Usage
//
//	usage: ociunpack unpack [flags] image target
//	       ociunpack resolve [flags] image
//	       ociunpack describe >ociunpack.conf
//	       ociunpack testconfig ociunpack.conf
//	       ociunpack version
//	  -config string
//	    	path to configuration file, need not exist (default "ociunpack.conf")
//	  -debug
//	    	enable debug logging, e.g. printing HTTP requests and responses
package main
