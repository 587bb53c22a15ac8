/*
Package domain contains the core types shared by the gateway and its adapters.

It defines the vocabulary of the bridge between the HTTP transport and the
asynchronous backend actor, and is kept free of I/O.

# Key Entities

  - SessionID: identifier assigned by the backend on the first reply of an exchange.
  - Handle: opaque reference to one backend connection.
  - Event: an asynchronous Reply or Abort reported for a Handle.
  - ReplayEntry: the memo used to answer retransmitted requests.
  - State: the position of a gateway session in its lifecycle.
*/
package domain
